package gitstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var (
	// ErrMergeConflict means a pull stopped on conflicting changes and
	// the working tree needs manual resolution.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrGroupNotFound means the group has no directory in the store.
	ErrGroupNotFound = errors.New("group not found in store")
)

const (
	groupsDir    = "groups"
	templatesDir = "templates"
	stateDir     = ".vecfleet"
	configFile   = "config.toml"
	metaFile     = "group.yaml"
)

const defaultConfig = `# Pipeline configuration
# Define sources, transforms and sinks below.

[sources]

[sinks]
`

// Options configures a Store.
type Options struct {
	Path          string
	AuthorName    string
	AuthorEmail   string
	RemoteTimeout time.Duration
}

// Store is a git-backed repository of per-group configuration documents.
// Every version is a commit; history is append-only and rollback commits
// forward. All repository access is serialized behind one mutex since the
// underlying handle is not safe for concurrent mutation.
type Store struct {
	mu   sync.Mutex
	repo *git.Repository
	opts Options
}

// CommitInfo is one entry of the store history, newest first.
type CommitInfo struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	Time    time.Time `json:"time"`
}

type groupMeta struct {
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"created_at"`
}

// New opens the repository at opts.Path, initializing and committing the
// scaffold layout if none exists yet.
func New(opts Options) (*Store, error) {
	if opts.AuthorName == "" {
		opts.AuthorName = "vecfleet"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "vecfleet@localhost"
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 60 * time.Second
	}

	repo, err := git.PlainOpen(opts.Path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = initRepo(opts)
	}
	if err != nil {
		return nil, fmt.Errorf("open config store at %s: %w", opts.Path, err)
	}
	return &Store{repo: repo, opts: opts}, nil
}

func initRepo(opts Options) (*git.Repository, error) {
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, err
	}
	repo, err := git.PlainInit(opts.Path, false)
	if err != nil {
		return nil, err
	}
	// PlainInit points HEAD at master; the store's default branch is main
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, err
	}

	scaffold := map[string]string{
		"README.md": "# Fleet Configuration Store\n\nManaged by vecfleet. Each group's configuration lives under `groups/<name>/config.toml`.\n",
		filepath.Join(groupsDir, ".gitkeep"):    "",
		filepath.Join(templatesDir, ".gitkeep"): "",
		filepath.Join(stateDir, "state.yaml"):   "schema: 1\n",
	}
	for rel, content := range scaffold {
		abs := filepath.Join(opts.Path, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return nil, err
	}
	if _, err := wt.Commit("Initialize config store", commitOpts(opts)); err != nil {
		return nil, err
	}
	log.Info().Str("path", opts.Path).Msg("initialized config store")
	return repo, nil
}

func commitOpts(opts Options) *git.CommitOptions {
	return &git.CommitOptions{
		Author: &object.Signature{
			Name:  opts.AuthorName,
			Email: opts.AuthorEmail,
			When:  time.Now(),
		},
		AllowEmptyCommits: true,
	}
}

func (s *Store) configPath(group string) string {
	return filepath.Join(groupsDir, group, configFile)
}

// CreateGroup provisions groups/<name>/ with a metadata file and a
// starter config, committed as one atomic change.
func (s *Store) CreateGroup(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.opts.Path, groupsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create group dir: %w", err)
	}
	meta, err := yaml.Marshal(groupMeta{Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("marshal group metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), meta, 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), []byte(defaultConfig), 0o644); err != nil {
		return "", err
	}
	return s.commitAll(fmt.Sprintf("Create group %s", name))
}

// WriteConfig overwrites the group's config document and commits,
// returning the new version hash. Identical content still commits.
func (s *Store) WriteConfig(group, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	abs := filepath.Join(s.opts.Path, s.configPath(group))
	if _, err := os.Stat(filepath.Dir(abs)); err != nil {
		return "", fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return s.commitAll(fmt.Sprintf("Update config for group %s", group))
}

// ReadConfig returns the current working-tree content, or ok=false if
// the group has no config file.
func (s *Store) ReadConfig(group string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.opts.Path, s.configPath(group)))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// ConfigAtVersion resolves the group's config blob inside the given
// commit's tree. Accepts full or abbreviated hashes. ok=false when the
// path did not exist at that version.
func (s *Store) ConfigAtVersion(group, version string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configAtVersionLocked(group, version)
}

func (s *Store) configAtVersionLocked(group, version string) (string, bool, error) {
	commit, err := s.resolveCommit(version)
	if err != nil {
		return "", false, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", false, err
	}
	// git trees always use forward slashes
	f, err := tree.File(groupsDir + "/" + group + "/" + configFile)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	content, err := f.Contents()
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

// Rollback writes a past version's content as a new forward commit.
func (s *Store) Rollback(group, version string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, ok, err := s.configAtVersionLocked(group, version)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: no config for %s at %s", ErrGroupNotFound, group, version)
	}
	abs := filepath.Join(s.opts.Path, s.configPath(group))
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", err
	}
	short := version
	if len(short) > 8 {
		short = short[:8]
	}
	return s.commitAll(fmt.Sprintf("Rollback group %s to %s", group, short))
}

// Diff returns the unified diff between two versions. Empty output means
// no changes.
func (s *Store) Diff(from, to string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromCommit, err := s.resolveCommit(from)
	if err != nil {
		return "", err
	}
	toCommit, err := s.resolveCommit(to)
	if err != nil {
		return "", err
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return "", err
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return "", err
	}
	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return "", fmt.Errorf("diff trees: %w", err)
	}
	if len(changes) == 0 {
		return "", nil
	}
	patch, err := changes.Patch()
	if err != nil {
		return "", err
	}
	return patch.String(), nil
}

// History lists commits newest first, at most limit entries. When group
// is non-empty only commits whose parent-vs-self diff touches
// groups/<name>/ are included, so unrelated commits never leak in.
func (s *Store) History(group string, limit int) ([]CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	head, err := s.repo.Head()
	if err != nil {
		return nil, err
	}
	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefix := groupsDir + "/" + group + "/"
	var out []CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		if len(out) >= limit {
			return errStopIter
		}
		if group != "" {
			touched, terr := commitTouches(c, prefix)
			if terr != nil {
				return terr
			}
			if !touched {
				return nil
			}
		}
		out = append(out, CommitInfo{
			Hash:    c.Hash.String(),
			Message: strings.TrimSpace(c.Message),
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			Time:    c.Author.When,
		})
		return nil
	})
	if err != nil && !errors.Is(err, errStopIter) {
		return nil, err
	}
	return out, nil
}

var errStopIter = errors.New("stop iteration")

func commitTouches(c *object.Commit, prefix string) (bool, error) {
	tree, err := c.Tree()
	if err != nil {
		return false, err
	}
	if c.NumParents() == 0 {
		found := false
		fi := tree.Files()
		defer fi.Close()
		err = fi.ForEach(func(f *object.File) error {
			if strings.HasPrefix(f.Name, prefix) {
				found = true
				return errStopIter
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIter) {
			return false, err
		}
		return found, nil
	}
	parent, err := c.Parent(0)
	if err != nil {
		return false, err
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return false, err
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return false, err
	}
	for _, ch := range changes {
		if strings.HasPrefix(ch.From.Name, prefix) || strings.HasPrefix(ch.To.Name, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// DeleteGroup removes the group's directory tree and commits the
// deletion.
func (s *Store) DeleteGroup(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.opts.Path, groupsDir, name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("remove group dir: %w", err)
	}
	return s.commitAll(fmt.Sprintf("Delete group %s", name))
}

// HasGroup reports whether the group has a directory in the store.
func (s *Store) HasGroup(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(filepath.Join(s.opts.Path, groupsDir, name))
	return err == nil
}

// ListGroups returns the group directories present in the store.
func (s *Store) ListGroups() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.opts.Path, groupsDir))
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// HeadHash returns the current HEAD commit hash.
func (s *Store) HeadHash() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.repo.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}

// HasChanges reports whether the working tree has uncommitted changes.
// The store commits on every write, so a dirty tree means something
// touched it from outside.
func (s *Store) HasChanges() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wt, err := s.repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, err
	}
	return !status.IsClean(), nil
}

func (s *Store) commitAll(msg string) (string, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	hash, err := wt.Commit(msg, commitOpts(s.opts))
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	log.Debug().Str("hash", hash.String()[:8]).Str("message", msg).Msg("store commit")
	return hash.String(), nil
}

func (s *Store) resolveCommit(version string) (*object.Commit, error) {
	hash, err := s.repo.ResolveRevision(plumbing.Revision(version))
	if err != nil {
		return nil, fmt.Errorf("resolve version %s: %w", version, err)
	}
	return s.repo.CommitObject(*hash)
}
