package gitstore

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog/log"
)

// Remote operations shell out to the host git binary so that configured
// credentials and SSH agents are reused as-is. Only remote bookkeeping
// and branch refs go through the embedded library.

// Remote is one configured sync target.
type Remote struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SyncStatus reports commit counts relative to a remote branch after a
// fetch.
type SyncStatus struct {
	Remote string `json:"remote"`
	Branch string `json:"branch"`
	Ahead  int    `json:"ahead"`
	Behind int    `json:"behind"`
}

// ConfigureRemote adds or replaces a named remote.
func (s *Store) ConfigureRemote(name, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.Remote(name); err == nil {
		if err := s.repo.DeleteRemote(name); err != nil {
			return fmt.Errorf("replace remote %s: %w", name, err)
		}
	}
	_, err := s.repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: name,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("configure remote %s: %w", name, err)
	}
	return nil
}

// RemoveRemote deletes a named remote.
func (s *Store) RemoveRemote(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeleteRemote(name); err != nil {
		return fmt.Errorf("remove remote %s: %w", name, err)
	}
	return nil
}

// ListRemotes returns the configured remotes.
func (s *Store) ListRemotes() ([]Remote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remotes, err := s.repo.Remotes()
	if err != nil {
		return nil, err
	}
	out := make([]Remote, 0, len(remotes))
	for _, r := range remotes {
		cfg := r.Config()
		url := ""
		if len(cfg.URLs) > 0 {
			url = cfg.URLs[0]
		}
		out = append(out, Remote{Name: cfg.Name, URL: url})
	}
	return out, nil
}

// Push pushes the branch to the remote.
func (s *Store) Push(ctx context.Context, remote, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch = s.defaultBranch(branch)
	_, err := s.gitCommand(ctx, "push", remote, branch)
	if err != nil {
		return fmt.Errorf("push %s %s: %w", remote, branch, err)
	}
	return nil
}

// Pull pulls the branch from the remote. A merge conflict is surfaced
// as ErrMergeConflict rather than a generic failure.
func (s *Store) Pull(ctx context.Context, remote, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pullLocked(ctx, remote, branch)
}

func (s *Store) pullLocked(ctx context.Context, remote, branch string) error {
	branch = s.defaultBranch(branch)
	out, err := s.gitCommand(ctx, "pull", remote, branch)
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
			return fmt.Errorf("pull %s %s: %w", remote, branch, ErrMergeConflict)
		}
		return fmt.Errorf("pull %s %s: %w", remote, branch, err)
	}
	return nil
}

// Fetch fetches the remote without merging.
func (s *Store) Fetch(ctx context.Context, remote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchLocked(ctx, remote)
}

func (s *Store) fetchLocked(ctx context.Context, remote string) error {
	if _, err := s.gitCommand(ctx, "fetch", remote); err != nil {
		return fmt.Errorf("fetch %s: %w", remote, err)
	}
	return nil
}

// Sync pulls then pushes, propagating a conflict from the pull phase.
func (s *Store) Sync(ctx context.Context, remote, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch = s.defaultBranch(branch)
	if err := s.pullLocked(ctx, remote, branch); err != nil {
		return err
	}
	if _, err := s.gitCommand(ctx, "push", remote, branch); err != nil {
		return fmt.Errorf("push %s %s: %w", remote, branch, err)
	}
	return nil
}

// RemoteStatus fetches and reports ahead/behind counts versus the
// remote branch.
func (s *Store) RemoteStatus(ctx context.Context, remote, branch string) (*SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch = s.defaultBranch(branch)
	if err := s.fetchLocked(ctx, remote); err != nil {
		return nil, err
	}
	ref := remote + "/" + branch
	ahead, err := s.revCount(ctx, ref+"..HEAD")
	if err != nil {
		return nil, err
	}
	behind, err := s.revCount(ctx, "HEAD.."+ref)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{Remote: remote, Branch: branch, Ahead: ahead, Behind: behind}, nil
}

func (s *Store) revCount(ctx context.Context, rangeSpec string) (int, error) {
	out, err := s.gitCommand(ctx, "rev-list", "--count", rangeSpec)
	if err != nil {
		return 0, fmt.Errorf("rev-list %s: %w", rangeSpec, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list output %q: %w", out, err)
	}
	return n, nil
}

// CreateBranch creates a local branch at HEAD.
func (s *Store) CreateBranch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.repo.Head()
	if err != nil {
		return err
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), head.Hash())
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// ListBranches returns local branch names.
func (s *Store) ListBranches() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter, err := s.repo.Branches()
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CheckoutBranch switches the working tree to the branch.
func (s *Store) CheckoutBranch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wt, err := s.repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name)})
	if err != nil {
		return fmt.Errorf("checkout %s: %w", name, err)
	}
	return nil
}

// CurrentBranch returns the branch HEAD points at.
func (s *Store) CurrentBranch() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.repo.Head()
	if err != nil {
		return "", err
	}
	return head.Name().Short(), nil
}

// gitCommand runs the host git binary inside the store directory under
// the configured timeout, returning combined output.
func (s *Store) gitCommand(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RemoteTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.opts.Path
	out, err := cmd.CombinedOutput()
	outStr := string(out)
	if err != nil {
		log.Warn().Strs("args", args).Str("output", strings.TrimSpace(outStr)).Err(err).Msg("git command failed")
		return outStr, fmt.Errorf("git %s: %v", strings.Join(args, " "), err)
	}
	return outStr, nil
}

// defaultBranch falls back to the branch HEAD points at, normally main.
// Callers hold the store mutex.
func (s *Store) defaultBranch(branch string) string {
	if branch != "" {
		return branch
	}
	if head, err := s.repo.Head(); err == nil {
		return head.Name().Short()
	}
	return "main"
}
