// Package sandbox implements the sandbox planner (C9): a pure function that
// turns a working root and a profile into a bind-mount/network/seccomp plan.
// The planner never executes anything; an external runner is responsible for
// enforcing the plan it returns.
package sandbox

// Profile selects how permissive a plan is.
type Profile string

const (
	// Strict binds only the system paths needed to run a toolchain,
	// read-write access limited to the repo root (plus /tmp for test runs),
	// no network.
	Strict Profile = "strict"
	// Permissive additionally grants RW access to scratch/home directories
	// and enables network access, for test runs that need it.
	Permissive Profile = "permissive"
)

// Plan is the bind-mount/network/syscall-filter plan an external runner must
// enforce. The core never inspects or executes it.
type Plan struct {
	BindRO         []string
	BindRW         []string
	Net            bool
	SeccompProfile string
}

var strictReadOnly = []string{"/usr", "/bin", "/lib", "/lib64", "/etc", "/opt", "/proc", "/sys", "/dev"}

// PlanForApply returns the plan a patch-apply subprocess (if any) must run
// under: the repo root is the only writable path, no network, strict seccomp.
// profile is only meaningful for PlanForTest; apply always runs Strict.
func PlanForApply(root string) Plan {
	return Plan{
		BindRO:         append([]string(nil), strictReadOnly...),
		BindRW:         []string{root},
		Net:            false,
		SeccompProfile: "strict",
	}
}

// PlanForTest returns the plan a test-run subprocess must run under. Strict
// mirrors PlanForApply plus a writable /tmp; Permissive additionally opens
// /var/tmp and /home read-write and enables network with seccomp disabled.
func PlanForTest(root string, profile Profile) Plan {
	if profile == Permissive {
		return Plan{
			BindRO:         append([]string(nil), strictReadOnly...),
			BindRW:         []string{root, "/tmp", "/var/tmp", "/home"},
			Net:            true,
			SeccompProfile: "",
		}
	}
	return Plan{
		BindRO:         append([]string(nil), strictReadOnly...),
		BindRW:         []string{root, "/tmp"},
		Net:            false,
		SeccompProfile: "strict",
	}
}
