package sop

import (
	"context"
	"os"

	"github.com/go-git/go-git/v5"

	"github.com/ostrane/tracedeck/errors"
)

// Sync mirrors the library from a git remote: a clone into the root when no
// repository exists there yet, otherwise a pull on the existing worktree.
// An already-up-to-date worktree is success.
func (s *Store) Sync(ctx context.Context, remoteURL string) error {
	if remoteURL == "" {
		return errors.NewInvalidRequestError("remote url must not be empty")
	}

	repo, err := git.PlainOpen(s.root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return s.clone(ctx, remoteURL)
	}
	if err != nil {
		return errors.Wrapf(err, "opening sop repository at %s", s.root)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "resolving sop worktree")
	}

	s.log.Infow("Pulling sop library", "remote", remoteURL)
	err = worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		s.log.Debugw("Sop library already up to date")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "pulling sop library from %s", remoteURL)
	}

	s.log.Infow("Sop library updated", "remote", remoteURL)
	return nil
}

func (s *Store) clone(ctx context.Context, remoteURL string) error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return errors.Wrap(err, "creating sop root")
	}

	s.log.Infow("Cloning sop library",
		"remote", remoteURL,
		"destination", s.root)

	// Full clone: pulls need history, and shallow pulls are unreliable.
	_, err := git.PlainCloneContext(ctx, s.root, false, &git.CloneOptions{
		URL: remoteURL,
	})
	if err != nil {
		return errors.Wrapf(err, "cloning sop library from %s", remoteURL)
	}
	return nil
}
