// Package repo keeps shallow local snapshots of the repositories code routines work on.
package repo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"agentcrew/internal/core"
)

const defaultTimeout = 5 * time.Minute

// Syncer clones or refreshes snapshots under Root/<user>/<slug>.
type Syncer struct {
	Root    string
	Git     string
	Timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

var _ core.RepositorySyncer = (*Syncer)(nil)

// New returns a syncer using the git binary on PATH.
func New(root string, logger *slog.Logger) *Syncer {
	return &Syncer{Root: root, Git: "git", Timeout: defaultTimeout, logger: logger, paths: make(map[string]*sync.Mutex)}
}

// Sync makes the snapshot for ref match the remote branch head and returns its path.
func (s *Syncer) Sync(ctx context.Context, userID string, ref core.RepositoryRef) (string, error) {
	url := strings.TrimSpace(ref.URL)
	if url == "" {
		return "", fmt.Errorf("repository url is empty")
	}
	dir := filepath.Join(s.Root, segment(userID), Slug(url))
	lock := s.lockFor(dir)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		branch := ref.Branch
		if branch == "" {
			branch = "HEAD"
		}
		if _, err := s.git(ctx, dir, "fetch", "--depth", "1", "origin", branch); err != nil {
			return "", err
		}
		if _, err := s.git(ctx, dir, "reset", "--hard", "FETCH_HEAD"); err != nil {
			return "", err
		}
		if _, err := s.git(ctx, dir, "clean", "-fdx"); err != nil {
			return "", err
		}
		s.logger.Debug("repository refreshed", "repository", url, "path", dir)
		return dir, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("create repository root: %w", err)
	}
	_ = os.RemoveAll(dir)
	args := []string{"clone", "--depth", "1"}
	if ref.Branch != "" {
		args = append(args, "--branch", ref.Branch)
	}
	args = append(args, url, dir)
	if _, err := s.git(ctx, "", args...); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	s.logger.Info("repository cloned", "repository", url, "path", dir)
	return dir, nil
}

func (s *Syncer) lockFor(dir string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.paths[dir]
	if !ok {
		l = &sync.Mutex{}
		s.paths[dir] = l
	}
	return l
}

func (s *Syncer) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.Git, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func segment(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// Slug names the snapshot directory for a repository URL: the repository
// name plus a short hash of the full URL.
func Slug(url string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	name := trimmed
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		name = trimmed[i+1:]
	}
	sum := sha256.Sum256([]byte(url))
	return segment(name) + "-" + hex.EncodeToString(sum[:4])
}
