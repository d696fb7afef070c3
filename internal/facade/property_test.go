package facade

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/devit-sh/devitd/internal/policy"
)

// TestPatchApply_IdempotencyKeyIsNeverReapplied checks that, for any
// non-empty idempotency key, repeating the same PatchApply call returns the
// exact same request id and result rather than re-applying the diff.
func TestPatchApply_IdempotencyKeyIsNeverReapplied(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("repeat PatchApply calls with the same key never reapply", prop.ForAll(
		func(key string, repeats int) bool {
			if key == "" {
				key = "fallback-key"
			}
			f, root := newTestFacade(t)
			if err := os.WriteFile(filepath.Join(root, "greeting.txt"), []byte("old\n"), 0o644); err != nil {
				return false
			}
			requested := policy.Requested{Level: policy.LevelTrusted}

			first, apiErr := f.PatchApply(simpleDiff, requested, false, key)
			if apiErr != nil {
				return false
			}
			for i := 0; i < repeats; i++ {
				again, apiErr := f.PatchApply(simpleDiff, requested, false, key)
				if apiErr != nil {
					return false
				}
				if again.RequestID != first.RequestID {
					return false
				}
				if !reflect.DeepEqual(again.Result, first.Result) {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
