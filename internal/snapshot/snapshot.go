// Package snapshot versions the durable tables of a data directory in a git
// repository rooted at the data directory.
//
// Only the authoritative state is recorded: the artifact and archive tables,
// the configuration and the payloads of the fs cold storage backend. The
// vector index, the bus files and the event log are left out; the first two
// are derived and the last is an open sqlite database.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const ignore = "vectors/\nvectors.db*\nbus/\nevents.db*\n*.tmp\n"

// Commit is one snapshot.
type Commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
}

// Repo is the snapshot repository of a data directory.
type Repo struct {
	dir   string
	name  string
	email string
	repo  *gogit.Repository
	mu    sync.Mutex
}

// Open opens the repository in dir, initializing it on first use.
func Open(dir, name, email string) (*Repo, error) {
	repo, err := gogit.PlainOpen(dir)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		if repo, err = gogit.PlainInit(dir, false); err != nil {
			return nil, fmt.Errorf("failed to initialize snapshot repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = name
		cfg.User.Email = email
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(ignore), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write .gitignore: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open snapshot repo: %w", err)
	}
	return &Repo{dir: dir, name: name, email: email, repo: repo}, nil
}

// Take records the current content of paths, relative to the data directory.
// Directories are walked; missing paths are skipped, and files that were
// recorded before but are gone now are recorded as deleted. It returns the
// commit hash, or "" when nothing changed.
func (r *Repo) Take(ctx context.Context, msg string, paths ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	if _, err := w.Add(".gitignore"); err != nil {
		return "", fmt.Errorf("failed to stage .gitignore: %w", err)
	}
	for _, p := range paths {
		err := filepath.WalkDir(filepath.Join(r.dir, p), func(full string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
				return nil
			}
			rel, err := filepath.Rel(r.dir, full)
			if err != nil {
				return err
			}
			_, err = w.Add(filepath.ToSlash(rel))
			return err
		})
		if err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", p, err)
		}
	}
	status, err := w.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree status: %w", err)
	}
	for file, s := range status {
		if s.Worktree == gogit.Deleted {
			if _, err := w.Remove(file); err != nil {
				return "", fmt.Errorf("failed to stage removal of %s: %w", file, err)
			}
		}
	}
	if status, err = w.Status(); err != nil {
		return "", fmt.Errorf("failed to get worktree status: %w", err)
	}
	if !staged(status) {
		return "", nil
	}
	now := time.Now()
	sig := &object.Signature{Name: r.name, Email: r.email, When: now}
	h, err := w.Commit(msg, &gogit.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return h.String(), nil
}

func staged(s gogit.Status) bool {
	for _, st := range s {
		if st.Staging != gogit.Unmodified && st.Staging != gogit.Untracked {
			return true
		}
	}
	return false
}

// History returns the last n snapshots, newest first.
func (r *Repo) History(ctx context.Context, n int) ([]Commit, error) {
	if n <= 0 {
		n = 100
	}
	iter, err := r.repo.Log(&gogit.LogOptions{})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer iter.Close()
	var out []Commit
	for range n {
		c, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to read history: %w", err)
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		out = append(out, Commit{Hash: c.Hash.String(), Message: subject, Author: c.Author.Name, When: c.Author.When})
	}
	return out, nil
}

// FileAt returns the content of path as recorded by snapshot rev: a full or
// abbreviated hash, or "HEAD" for the latest snapshot.
func (r *Repo) FileAt(ctx context.Context, rev, path string) ([]byte, error) {
	h, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	c, err := r.repo.CommitObject(*h)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", rev, err)
	}
	f, err := c.File(filepath.ToSlash(path))
	if err != nil {
		return nil, fmt.Errorf("failed to get %s at %s: %w", path, rev, err)
	}
	rd, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = rd.Close() }()
	return io.ReadAll(rd)
}
