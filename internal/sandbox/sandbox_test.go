package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanForApply_NoNetworkRepoRootOnlyRW(t *testing.T) {
	plan := PlanForApply("/work/repo")
	require.False(t, plan.Net)
	require.Equal(t, "strict", plan.SeccompProfile)
	require.Equal(t, []string{"/work/repo"}, plan.BindRW)
	require.Contains(t, plan.BindRO, "/proc")
}

func TestPlanForTest_StrictAddsTmpOnly(t *testing.T) {
	plan := PlanForTest("/work/repo", Strict)
	require.False(t, plan.Net)
	require.Equal(t, "strict", plan.SeccompProfile)
	require.ElementsMatch(t, []string{"/work/repo", "/tmp"}, plan.BindRW)
}

func TestPlanForTest_PermissiveOpensNetworkAndHome(t *testing.T) {
	plan := PlanForTest("/work/repo", Permissive)
	require.True(t, plan.Net)
	require.Empty(t, plan.SeccompProfile)
	require.Contains(t, plan.BindRW, "/home")
	require.Contains(t, plan.BindRW, "/var/tmp")
}

func TestPlanForApply_DoesNotAliasSharedSlice(t *testing.T) {
	a := PlanForApply("/work/a")
	b := PlanForApply("/work/b")
	a.BindRO[0] = "mutated"
	require.NotEqual(t, a.BindRO[0], b.BindRO[0])
}
