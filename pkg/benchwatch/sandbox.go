package benchwatch

import (
	"fmt"
	"os"
	"path"

	_ "embed"
)

// The bundled seccomp policy, docker's default profile opened up for
// personality(ADDR_NO_RANDOMIZE) so that setarch can turn off address-space
// randomization inside the container.
//
//go:embed aslr_seccomp.json
var seccompProfile []byte

// WriteSeccompProfile materializes the bundled seccomp policy into the passed
// directory and returns its path, suitable for the runtime's security-opt flag.
func WriteSeccompProfile(dir string) (string, error) {
	profilePath := path.Join(dir, "aslr_seccomp.json")
	if err := os.WriteFile(profilePath, seccompProfile, 0644); err != nil {
		return "", err
	}
	return profilePath, nil
}

// A SandboxSpec holds the resolved execution parameters of one benchmark run.
type SandboxSpec struct {
	CPU      *int // The core the benchmark is pinned to, or nil to leave it unpinned
	NUMANode *int // The memory node /dev/shm and the container's cpuset are bound to, or nil to leave them unbound

	ShmSizeGB int // The size of the container's /dev/shm tmpfs in GiB

	HostResultPath      string // The host file the benchmark result is captured through
	ContainerResultPath string // Where the result file is mounted inside the container

	SeccompProfile string // The path of the seccomp policy file handed to the runtime
}

// RunArgs returns the runtime flags isolating the benchmark container. The
// flags are handed to the run primitive as-is and contain no duplicates.
func (s SandboxSpec) RunArgs() []string {
	args := []string{
		"--security-opt", "seccomp=" + s.SeccompProfile,
		"-v", fmt.Sprintf("%s:%s", s.HostResultPath, s.ContainerResultPath),
		"--tmpfs", s.shmTmpfs(),
	}
	if s.CPU != nil {
		args = append(args, fmt.Sprintf("--cpuset-cpus=%d", *s.CPU))
	}
	if s.NUMANode != nil {
		args = append(args, fmt.Sprintf("--cpuset-mems=%d", *s.NUMANode))
	}
	return args
}

// shmTmpfs returns the mount of the size-bounded /dev/shm, memory-bound to
// the NUMA node if one is set.
func (s SandboxSpec) shmTmpfs() string {
	mount := fmt.Sprintf("/dev/shm:rw,noexec,nosuid,size=%dG", s.ShmSizeGB)
	if s.NUMANode != nil {
		mount += fmt.Sprintf(",mpol=bind:%d", *s.NUMANode)
	}
	return mount
}

// BenchCommand returns the fixed command line executed inside the container.
// setarch disables address-space randomization for the benchmark process.
func (s SandboxSpec) BenchCommand() []string {
	return []string{
		"setarch", "x86_64", "--addr-no-randomize",
		benchBinary, "--bench", "index", "--json", s.ContainerResultPath,
	}
}
