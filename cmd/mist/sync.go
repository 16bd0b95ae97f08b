package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

const (
	promptRemoteOverwrite = "Remote storage exists: overwrite?"
	promptLocalOverwrite  = "Local directory exists: overwrite?"
	promptMergeFailed     = "Unison may have produced an error. Transfer to remote anyway?"
)

// ErrConflictingModes is returned when both push and pull are requested.
var ErrConflictingModes = errors.New("push and pull are mutually exclusive")

// Mode is the operating mode of a run.
type Mode int

const (
	// ModeReconcile pulls into staging, merges and pushes the result back.
	ModeReconcile Mode = iota

	// ModePush overwrites the remote archive with the local directory.
	ModePush

	// ModePull overwrites the local directory with the remote archive.
	ModePull
)

func (m Mode) String() string {
	switch m {
	case ModeReconcile:
		return "reconcile"
	case ModePush:
		return "push"
	case ModePull:
		return "pull"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeFromFlags selects the mode for the given flags.
func ModeFromFlags(push bool, pull bool) (Mode, error) {
	switch {
	case push && pull:
		return 0, ErrConflictingModes
	case push:
		return ModePush, nil
	case pull:
		return ModePull, nil
	default:
		return ModeReconcile, nil
	}
}

// Outcome describes how a successful run ended.
type Outcome int

const (
	// OutcomeSynced means data was transferred.
	OutcomeSynced Outcome = iota

	// OutcomeUpToDate means the digests matched and nothing was transferred.
	OutcomeUpToDate

	// OutcomeDeclined means the operator declined a confirmation.
	OutcomeDeclined
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeUpToDate:
		return "up to date"
	case OutcomeDeclined:
		return "declined"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// SyncDeps are the external capabilities a [Syncer] operates through.
type SyncDeps struct {
	Remote  RemoteTransport
	Crypto  CryptoProvider
	Merger  MergeEngine
	Confirm Confirmer
}

// Syncer runs one synchronization of a profile's folder with the remote host.
type Syncer struct {
	prog      *Program
	profile   *Profile
	deps      SyncDeps
	assumeYes bool
	log       *slog.Logger
}

// NewSyncer returns a pointer to a new [Syncer].
func NewSyncer(prog *Program, profile *Profile, deps SyncDeps, assumeYes bool) *Syncer {
	return &Syncer{
		prog:      prog,
		profile:   profile,
		deps:      deps,
		assumeYes: assumeYes,
		log:       prog.log.With("profile", profile.Name),
	}
}

// Run executes the given mode. Declined confirmations and up-to-date
// trees are not errors.
func (s *Syncer) Run(ctx context.Context, mode Mode) (Outcome, error) {
	s.log.Debug("Starting run", "mode", mode.String())

	switch mode {
	case ModePush:
		return s.Push(ctx)
	case ModePull:
		return s.Pull(ctx)
	case ModeReconcile:
		return s.Reconcile(ctx)
	default:
		return 0, fmt.Errorf("unknown mode: %d", int(mode))
	}
}

// Push overwrites the remote archive with the local folder, asking first
// if a remote archive already exists.
func (s *Syncer) Push(ctx context.Context) (Outcome, error) {
	exists, err := s.deps.Remote.Exists(ctx, s.profile.Archive)
	if err != nil {
		return 0, fmt.Errorf("failed to check remote archive: %w", err)
	}

	if exists && !s.deps.Confirm.Confirm(promptRemoteOverwrite, s.assumeYes) {
		s.log.Info("Push declined, remote left unchanged")

		return OutcomeDeclined, nil
	}

	if err := s.push(ctx); err != nil {
		return 0, err
	}

	return OutcomeSynced, nil
}

// Pull overwrites the local folder with the remote archive, asking first
// if the local folder already exists.
func (s *Syncer) Pull(ctx context.Context) (Outcome, error) {
	info, err := s.prog.fs.Stat(s.profile.Folder)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("failed to check local folder: %w", err)
	}

	if err == nil && info.IsDir() && !s.deps.Confirm.Confirm(promptLocalOverwrite, s.assumeYes) {
		s.log.Info("Pull declined, local folder left unchanged")

		return OutcomeDeclined, nil
	}

	if err := s.pull(ctx, s.profile.Folder); err != nil {
		return 0, err
	}

	return OutcomeSynced, nil
}

// Reconcile skips all transfers when the remote sidecar matches the local
// digest. Otherwise it pulls the remote archive into the staging folder,
// merges it with the local folder and pushes the merged folder back. A merge
// engine that cannot be run aborts the run before anything is pushed.
func (s *Syncer) Reconcile(ctx context.Context) (Outcome, error) {
	remoteDigest, err := s.deps.Remote.Read(ctx, s.profile.Sidecar)
	if err != nil {
		s.log.Debug("Remote digest unavailable", "path", s.profile.Sidecar, "error", err)
		remoteDigest = nil
	}

	var localDigest []byte
	if d, err := s.prog.Digest(ctx, s.profile.Folder, s.profile.Excludes); err != nil {
		s.log.Warn("Failed to compute local digest", "path", s.profile.Folder, "error", err)
	} else {
		localDigest = d.Bytes()
	}

	if remoteDigest != nil && localDigest != nil && bytes.Equal(remoteDigest, localDigest) {
		s.log.Info("Already up to date")

		return OutcomeUpToDate, nil
	}

	if err := s.prepareStaging(); err != nil {
		return 0, err
	}
	defer s.removeStaging()

	if err := s.pull(ctx, s.profile.TempFolder); err != nil {
		return 0, err
	}

	outcome, err := s.deps.Merger.Merge(ctx, s.profile.Folder, s.profile.TempFolder, s.assumeYes)
	switch outcome {
	case MergeClean:
	case MergeUnavailable:
		return 0, fmt.Errorf("failed to merge, remote left unchanged: %w", err)
	default:
		s.log.Warn("Merge did not complete cleanly", "outcome", outcome.String(), "error", err)

		if !s.deps.Confirm.Confirm(promptMergeFailed, s.assumeYes) {
			s.log.Info("Push declined after merge, remote left unchanged")

			return OutcomeDeclined, nil
		}
	}

	if err := s.push(ctx); err != nil {
		return 0, err
	}

	return OutcomeSynced, nil
}

// pull fetches, decrypts and unpacks the remote archive into dest.
func (s *Syncer) pull(ctx context.Context, dest string) error {
	s.log.Info("Pulling from remote", "archive", s.profile.Archive, "dest", dest)

	envelope, err := s.deps.Remote.Read(ctx, s.profile.Archive)
	if err != nil {
		return fmt.Errorf("failed to read remote archive: %w", err)
	}

	blob, err := s.deps.Crypto.Decrypt(ctx, envelope)
	if err != nil {
		return fmt.Errorf("failed to decrypt remote archive: %w", err)
	}

	if err := s.prog.Unpack(ctx, blob, dest); err != nil {
		return fmt.Errorf("failed to unpack remote archive: %w", err)
	}

	return nil
}

// push packs, encrypts and writes the local folder and its digest sidecar.
//
// A digest failure only costs the sidecar. The previous sidecar is removed
// before the archive is written and a new one is written only after an
// archive write that was verified, so an unconfirmed archive never appears
// up to date to a later reconcile.
func (s *Syncer) push(ctx context.Context) error {
	digest, digestErr := s.prog.Digest(ctx, s.profile.Folder, s.profile.Excludes)
	if digestErr != nil {
		s.log.Error("Failed to hash the sync folder", "path", s.profile.Folder, "error", digestErr)
	}

	blob, err := s.prog.Pack(ctx, s.profile.Folder, s.profile.Excludes)
	if err != nil {
		return fmt.Errorf("failed to pack local folder: %w", err)
	}

	envelope, err := s.deps.Crypto.Encrypt(ctx, blob)
	if err != nil {
		return fmt.Errorf("failed to encrypt local folder: %w", err)
	}

	// The sidecar is dropped before the archive changes, so an archive
	// write that is never confirmed cannot be matched by a later run.
	if err := s.deps.Remote.Remove(ctx, s.profile.Sidecar); err != nil {
		return fmt.Errorf("failed to invalidate remote digest: %w", err)
	}

	s.log.Info("Pushing to remote", "archive", s.profile.Archive, "size", humanize.Bytes(uint64(len(envelope))))

	archiveVerified := true
	if err := s.deps.Remote.Write(ctx, envelope, s.profile.Archive); err != nil {
		if !errors.Is(err, ErrUnverifiedWrite) {
			return fmt.Errorf("failed to write remote archive: %w", err)
		}

		archiveVerified = false
		s.log.Warn("Remote archive write not verified", "path", s.profile.Archive, "error", err)
	}

	switch {
	case digestErr != nil:
		return nil
	case !archiveVerified:
		s.log.Warn("Skipping digest sidecar after unverified archive write", "path", s.profile.Sidecar)

		return nil
	}

	if err := s.deps.Remote.Write(ctx, digest.Bytes(), s.profile.Sidecar); err != nil {
		if !errors.Is(err, ErrUnverifiedWrite) {
			return fmt.Errorf("failed to write remote digest: %w", err)
		}

		s.log.Warn("Remote digest write not verified", "path", s.profile.Sidecar, "error", err)
	}

	return nil
}

// prepareStaging removes leftovers of an earlier, interrupted run so that
// only the pulled archive is merged.
func (s *Syncer) prepareStaging() error {
	exists, err := afero.Exists(s.prog.fs, s.profile.TempFolder)
	if err != nil {
		return fmt.Errorf("failed to check temporary directory: %w", err)
	}
	if !exists {
		return nil
	}

	if err := s.prog.fs.RemoveAll(s.profile.TempFolder); err != nil {
		return fmt.Errorf("failed to clear temporary directory: %w", err)
	}
	s.log.Info("Cleared leftover temporary directory", "path", s.profile.TempFolder)

	return nil
}

func (s *Syncer) removeStaging() {
	if err := s.prog.fs.RemoveAll(s.profile.TempFolder); err != nil {
		s.log.Error("Failed to delete temporary directory", "path", s.profile.TempFolder, "error", err)

		return
	}

	s.log.Info("Deleted temporary directory", "path", s.profile.TempFolder)
}
