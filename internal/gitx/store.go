// Package gitx adapts the git binary as the object/ref storage engine.
// Repositories are bare trees under a single data root; protocol endpoints
// stream straight through git's stateless-rpc mode so payloads are never
// buffered whole. Concurrent writes to one repository are serialized by
// git's own ref-update locking; this layer adds no lock of its own.
package gitx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/medvault/medvault/internal/domain"
)

// Smart-HTTP service names.
const (
	ServiceUploadPack  = "git-upload-pack"
	ServiceReceivePack = "git-receive-pack"
)

// Store manages bare repositories rooted at a data directory.
type Store struct {
	Root    string       // directory holding <id>.git bare repos
	WorkDir string       // directory holding staging snapshot worktrees
	HookBin string       // binary to exec from pre-receive hooks; empty disables
	Logger  *slog.Logger // optional; defaults to slog.Default
}

func (s *Store) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger.With("domain", "gitx")
	}
	return slog.Default().With("domain", "gitx")
}

// RepoPath returns the on-disk bare repository path for an id.
func (s *Store) RepoPath(id domain.RepoID) string {
	return filepath.Join(s.Root, id.String()+".git")
}

// SnapshotDir returns the worktree directory a staging snapshot is built in.
func (s *Store) SnapshotDir(id domain.RepoID) string {
	return filepath.Join(s.WorkDir, id.String())
}

// Exists reports whether the bare repository is present on disk.
func (s *Store) Exists(id domain.RepoID) bool {
	st, err := os.Stat(s.RepoPath(id))
	return err == nil && st.IsDir()
}

// InitBare provisions a bare repository and installs the content-policy
// pre-receive hook. The caller registers it afterwards and rolls this back
// if registration fails, so storage and registry never diverge.
func (s *Store) InitBare(ctx context.Context, id domain.RepoID) error {
	path := s.RepoPath(id)
	if _, err := runGit(ctx, "", "init", "--quiet", "--bare", "--initial-branch=main", path); err != nil {
		return fmt.Errorf("init bare: %w", err)
	}
	if err := s.installHook(path); err != nil {
		_ = os.RemoveAll(path)
		return err
	}
	s.log().Info("repository provisioned", "repo", id.String())
	return nil
}

// installHook writes the pre-receive hook that runs the content policy gate
// inside the receive path, before any new object becomes reachable.
func (s *Store) installHook(repoPath string) error {
	if s.HookBin == "" {
		return nil
	}
	hookDir := filepath.Join(repoPath, "hooks")
	if err := os.MkdirAll(hookDir, 0o755); err != nil {
		return err
	}
	script := fmt.Sprintf("#!/bin/sh\nexec %q hook pre-receive\n", s.HookBin)
	return os.WriteFile(filepath.Join(hookDir, "pre-receive"), []byte(script), 0o755)
}

// Delete removes the bare repository and any staging snapshot worktree.
// Callers must re-validate the staging naming convention before reaping.
func (s *Store) Delete(id domain.RepoID) error {
	if err := os.RemoveAll(s.RepoPath(id)); err != nil {
		return err
	}
	if s.WorkDir != "" {
		return os.RemoveAll(s.SnapshotDir(id))
	}
	return nil
}

// ListStaging returns the staging-namespace repositories present on disk,
// regardless of registry state. The janitor uses it to reclaim orphans left
// by a crash between registry and storage deletion.
func (s *Store) ListStaging() ([]domain.RepoID, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	var out []domain.RepoID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".git")
		id, err := domain.ParseRepoID(name)
		if err != nil || !id.IsStaging() {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// AdvertiseRefs writes the smart-HTTP ref advertisement for a service,
// including the leading "# service=" pkt-line and flush that the protocol
// requires before git's own output.
func (s *Store) AdvertiseRefs(ctx context.Context, service string, id domain.RepoID, w io.Writer) error {
	sub, err := serviceCommand(service)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s0000", pktLine("# service="+service+"\n")); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", sub, "--stateless-rpc", "--advertise-refs", s.RepoPath(id))
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("advertise %s: %w: %s", service, err, stderr.String())
	}
	return nil
}

// ServicePack streams a smart-HTTP RPC body into the git subprocess and its
// output back out. Launch failure is returned; a non-zero exit after the
// stream completed is logged only, because the protocol stream itself carries
// per-ref success or failure.
func (s *Store) ServicePack(ctx context.Context, service string, id domain.RepoID, r io.Reader, w io.Writer) error {
	sub, err := serviceCommand(service)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", sub, "--stateless-rpc", s.RepoPath(id))
	cmd.Stdin = r
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", service, err)
	}
	if err := cmd.Wait(); err != nil {
		s.log().Warn("pack service exited non-zero", "service", service, "repo", id.String(), "stderr", strings.TrimSpace(stderr.String()))
	}
	return nil
}

func serviceCommand(service string) (string, error) {
	switch service {
	case ServiceUploadPack:
		return "upload-pack", nil
	case ServiceReceivePack:
		return "receive-pack", nil
	}
	return "", fmt.Errorf("unknown git service %q", service)
}

// pktLine encodes one pkt-line frame.
func pktLine(s string) string {
	return fmt.Sprintf("%04x%s", len(s)+4, s)
}

// TreeEntry is one tracked file in a repository's current tree.
type TreeEntry struct {
	Mode string
	SHA  string
	Path string
}

// ListTree enumerates every tracked file (recursively) at HEAD.
func (s *Store) ListTree(ctx context.Context, id domain.RepoID) ([]TreeEntry, error) {
	out, err := runGit(ctx, s.RepoPath(id), "ls-tree", "-r", "-z", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("ls-tree: %w", err)
	}
	var entries []TreeEntry
	for _, rec := range strings.Split(strings.TrimSuffix(out, "\x00"), "\x00") {
		if rec == "" {
			continue
		}
		// "<mode> <type> <sha>\t<path>"
		meta, path, ok := strings.Cut(rec, "\t")
		if !ok {
			return nil, fmt.Errorf("ls-tree: malformed record %q", rec)
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 || fields[1] != "blob" {
			continue
		}
		entries = append(entries, TreeEntry{Mode: fields[0], SHA: fields[2], Path: path})
	}
	return entries, nil
}

// ReadBlob returns a blob's full content. One blob is materialized at a time;
// callers drop the reference before reading the next so memory stays bounded
// by the largest single file, not the repository.
func (s *Store) ReadBlob(ctx context.Context, id domain.RepoID, sha string) ([]byte, error) {
	out, err := runGit(ctx, s.RepoPath(id), "cat-file", "blob", sha)
	if err != nil {
		return nil, fmt.Errorf("cat-file: %w", err)
	}
	return []byte(out), nil
}

// WriteSnapshot commits the contents of the snapshot worktree as a single
// commit with the given (encrypted) message and pushes it to the bare target.
// The commit and the push are decoupled: when the worktree already carries a
// commit, only the push is retried, so a failed push never mints new history.
func (s *Store) WriteSnapshot(ctx context.Context, workDir string, target domain.RepoID, message string) error {
	if !s.hasHead(ctx, workDir) {
		if _, err := runGit(ctx, workDir, "init", "--quiet", "--initial-branch=main", "."); err != nil {
			return fmt.Errorf("snapshot init: %w", err)
		}
		if _, err := runGit(ctx, workDir, "add", "-A"); err != nil {
			return fmt.Errorf("snapshot add: %w", err)
		}
		if _, err := runGit(ctx, workDir,
			"-c", "user.name=medvault", "-c", "user.email=medvault@localhost",
			"commit", "--quiet", "-m", message); err != nil {
			return fmt.Errorf("snapshot commit: %w", err)
		}
	}
	if _, err := runGit(ctx, workDir, "push", "--quiet", s.RepoPath(target), "HEAD:refs/heads/main"); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStagingPush, err)
	}
	return nil
}

func (s *Store) hasHead(ctx context.Context, workDir string) bool {
	_, err := runGit(ctx, workDir, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}

// runGit executes git with an optional working directory and returns stdout.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
