package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// MergeOutcome is the result of a merge between two directory trees.
type MergeOutcome int

const (
	// MergeClean means the merge engine finished without reporting problems.
	MergeClean MergeOutcome = iota

	// MergeConflicted means the merge engine ran but reported a problem,
	// such as skipped conflicts or failed propagations.
	MergeConflicted

	// MergeUnavailable means the merge engine could not be run at all.
	MergeUnavailable
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeClean:
		return "clean"
	case MergeConflicted:
		return "conflicted"
	case MergeUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("MergeOutcome(%d)", int(o))
	}
}

// MergeEngine reconciles two directory trees in place.
type MergeEngine interface {
	// Merge synchronizes local and staged bidirectionally. When batch is
	// set the engine must not ask questions. The error describes the
	// problem for any outcome other than [MergeClean].
	Merge(ctx context.Context, local string, staged string, batch bool) (MergeOutcome, error)
}

// Unison is a [MergeEngine] running the unison file synchronizer attached
// to the console, so that non-batch runs can ask the operator.
type Unison struct {
	program string
	runner  CommandRunner
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	log     *slog.Logger
}

// NewUnison returns a pointer to a new [Unison].
func NewUnison(program string, runner CommandRunner, stdin io.Reader, stdout io.Writer, stderr io.Writer, log *slog.Logger) *Unison {
	if program == "" {
		program = defaultMergeProgram
	}
	if runner == nil {
		runner = ExecRunner{}
	}

	return &Unison{
		program: program,
		runner:  runner,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		log:     log,
	}
}

// Merge runs the merge program on the two directories.
func (u *Unison) Merge(ctx context.Context, local string, staged string, batch bool) (MergeOutcome, error) {
	cmd := Command{
		Name:   u.program,
		Args:   []string{local, staged},
		Stdin:  u.stdin,
		Stdout: u.stdout,
		Stderr: u.stderr,
	}
	if batch {
		cmd.Args = append(cmd.Args, "-batch")
	}

	u.log.Info("Merging local and remote trees", "command", cmd.String())

	code, err := u.runner.Run(ctx, cmd)
	if err != nil {
		return MergeUnavailable, fmt.Errorf("failed to run merge program: %w", err)
	}
	if code != 0 {
		return MergeConflicted, fmt.Errorf("%s exited with status %d", u.program, code)
	}

	return MergeClean, nil
}
