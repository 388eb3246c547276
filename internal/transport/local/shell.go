package local

import (
	"context"
	"fmt"
	"os/exec"
)

// Shell implements replication.Shell by running argv as a direct
// child process on this host (as opposed to over SSH or any other
// remote transport), the "local" half of this package's name.
type Shell struct {
	// Bin overrides the binary invoked (argv[0] is still used for its
	// own argument); empty means run argv as given. Tests set this to
	// point at a fake zfs binary.
	Bin string
}

func (s Shell) Exec(ctx context.Context, argv ...string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("exec: empty argv")
	}
	name := argv[0]
	if s.Bin != "" {
		name = s.Bin
	}

	cmd := exec.CommandContext(ctx, name, argv[1:]...)
	// cmd.Output (rather than Run with a manual stderr buffer) is what
	// populates a returned *exec.ExitError's Stderr field, which
	// internal/zfs's classifier relies on to read the zfs binary's
	// diagnostic text.
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%v: %w", argv, err)
	}
	return out, nil
}
