package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devit-sh/devitd/internal/apierrors"
)

func TestLevel_Satisfies_SimpleRank(t *testing.T) {
	r := Requested{Level: LevelModerate}
	require.True(t, r.Satisfies(LevelAsk, nil))
	require.False(t, r.Satisfies(LevelTrusted, nil))
}

func TestLevel_Satisfies_PrivilegedRequiresPathCoverage(t *testing.T) {
	r := Requested{Level: LevelPrivileged, AllowedPaths: []string{"src/app"}}
	require.True(t, r.Satisfies(LevelPrivileged, []string{"src/app/main.go"}))
	require.False(t, r.Satisfies(LevelPrivileged, []string{"src/other/main.go"}))
}

func TestLevel_Satisfies_NonPrivilegedCannotSatisfyPrivileged(t *testing.T) {
	r := Requested{Level: LevelTrusted}
	require.False(t, r.Satisfies(LevelPrivileged, []string{"src/app/main.go"}))
}

func TestEvaluate_ProtectedPathBlocks(t *testing.T) {
	e := New(DefaultConfig())
	dec := e.Evaluate(Context{
		Changes:   []FileChange{{Path: ".env", Kind: ChangeMod}},
		Requested: Requested{Level: LevelModerate},
	})
	require.False(t, dec.Allow)
	require.NotNil(t, dec.BlockedReason)
	require.True(t, apierrors.Is(dec.BlockedReason, apierrors.CodeProtectedPath))
}

func TestEvaluate_ProtectedPathAllowedWhenPrivileged(t *testing.T) {
	e := New(DefaultConfig())
	dec := e.Evaluate(Context{
		Changes:   []FileChange{{Path: ".env", Kind: ChangeMod}},
		Requested: Requested{Level: LevelPrivileged, AllowedPaths: []string{".env"}},
	})
	require.True(t, dec.Allow)
}

func TestEvaluate_ExecBitBlockedBelowModerate(t *testing.T) {
	e := New(DefaultConfig())
	dec := e.Evaluate(Context{
		Changes:   []FileChange{{Path: "script.sh", AddsExecBit: true}},
		Requested: Requested{Level: LevelAsk},
	})
	require.False(t, dec.Allow)
}

func TestEvaluate_ExecBitRequiresConfirmationAtModerate(t *testing.T) {
	e := New(DefaultConfig())
	dec := e.Evaluate(Context{
		Changes:   []FileChange{{Path: "script.sh", AddsExecBit: true}},
		Requested: Requested{Level: LevelModerate},
	})
	require.True(t, dec.Allow)
	require.True(t, dec.RequiresConfirmation)
}

func TestEvaluate_BinaryAllowedWhenSmallAndWhitelistedAtTrusted(t *testing.T) {
	e := New(DefaultConfig())
	dec := e.Evaluate(Context{
		Changes:   []FileChange{{Path: "logo.png", Binary: true, Size: 1024}},
		Requested: Requested{Level: LevelTrusted},
	})
	require.True(t, dec.Allow)
}

func TestEvaluate_BinaryBlockedWhenTooLarge(t *testing.T) {
	e := New(DefaultConfig())
	dec := e.Evaluate(Context{
		Changes:   []FileChange{{Path: "logo.png", Binary: true, Size: 10 * 1024 * 1024}},
		Requested: Requested{Level: LevelTrusted},
	})
	require.False(t, dec.Allow)
}

func TestEvaluate_LargeChangeDowngradesToAsk(t *testing.T) {
	e := New(DefaultConfig())
	dec := e.Evaluate(Context{
		Changes:   []FileChange{{Path: "main.go", LinesAdded: 50}},
		Requested: Requested{Level: LevelUntrusted},
	})
	require.True(t, dec.Allow)
	require.True(t, dec.RequiresConfirmation)
	require.NotNil(t, dec.DowngradedTo)
	require.Equal(t, LevelAsk, *dec.DowngradedTo)
}

func TestEvaluate_DefaultAllow(t *testing.T) {
	e := New(DefaultConfig())
	dec := e.Evaluate(Context{
		Changes:   []FileChange{{Path: "README.md", LinesAdded: 1}},
		Requested: Requested{Level: LevelAsk},
	})
	require.True(t, dec.Allow)
	require.False(t, dec.RequiresConfirmation)
}

func TestEvaluate_RiskLevelMonotoneWithCriticalFile(t *testing.T) {
	e := New(DefaultConfig())
	dec := e.Evaluate(Context{
		Changes:   []FileChange{{Path: "Cargo.toml", LinesAdded: 200}},
		Requested: Requested{Level: LevelTrusted},
	})
	require.Equal(t, RiskHigh, dec.Risk)
}

func TestEvaluate_SymlinkEscapingRootBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkingRoot = "/workdir"
	e := New(cfg)
	dec := e.Evaluate(Context{
		Changes:   []FileChange{{Path: "link", SymlinkTarget: "/etc/passwd"}},
		Requested: Requested{Level: LevelTrusted},
	})
	require.False(t, dec.Allow)
}
