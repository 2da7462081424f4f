package gitx

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return &Store{Root: t.TempDir(), WorkDir: t.TempDir()}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func TestPaths(t *testing.T) {
	s := &Store{Root: "/data/repos", WorkDir: "/data/staging"}
	id, err := domain.NewRepoID()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/repos", id.String()+".git"), s.RepoPath(id))
	assert.Equal(t, filepath.Join("/data/staging", id.String()), s.SnapshotDir(id))
}

func TestPktLine(t *testing.T) {
	assert.Equal(t, "001e# service=git-upload-pack\n", pktLine("# service=git-upload-pack\n"))
	assert.Equal(t, "0005a", pktLine("a"))
}

func TestServiceCommand(t *testing.T) {
	sub, err := serviceCommand(ServiceUploadPack)
	require.NoError(t, err)
	assert.Equal(t, "upload-pack", sub)
	sub, err = serviceCommand(ServiceReceivePack)
	require.NoError(t, err)
	assert.Equal(t, "receive-pack", sub)
	_, err = serviceCommand("git-evil-pack")
	assert.Error(t, err)
}

func TestExists(t *testing.T) {
	s := newStore(t)
	id, err := domain.NewRepoID()
	require.NoError(t, err)
	assert.False(t, s.Exists(id))
	require.NoError(t, os.MkdirAll(s.RepoPath(id), 0o755))
	assert.True(t, s.Exists(id))
}

func TestInstallHook(t *testing.T) {
	s := newStore(t)
	s.HookBin = "/usr/local/bin/medvault"
	repo := filepath.Join(t.TempDir(), "r.git")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, s.installHook(repo))

	b, err := os.ReadFile(filepath.Join(repo, "hooks", "pre-receive"))
	require.NoError(t, err)
	script := string(b)
	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	assert.Contains(t, script, `exec "/usr/local/bin/medvault" hook pre-receive`)

	st, err := os.Stat(filepath.Join(repo, "hooks", "pre-receive"))
	require.NoError(t, err)
	assert.NotZero(t, st.Mode()&0o100, "hook must be executable")
}

func TestInstallHookDisabled(t *testing.T) {
	s := newStore(t)
	repo := filepath.Join(t.TempDir(), "r.git")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	require.NoError(t, s.installHook(repo))
	_, err := os.Stat(filepath.Join(repo, "hooks", "pre-receive"))
	assert.True(t, os.IsNotExist(err))
}

func TestListStaging(t *testing.T) {
	s := newStore(t)
	staging, err := domain.NewStagingID()
	require.NoError(t, err)
	regular, err := domain.NewRepoID()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root, staging.String()+".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root, regular.String()+".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root, "not-a-repo.git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root, "stray-file"), nil, 0o644))

	got, err := s.ListStaging()
	require.NoError(t, err)
	assert.Equal(t, []domain.RepoID{staging}, got)
}

func TestSnapshotRoundTrip(t *testing.T) {
	requireGit(t)
	s := newStore(t)
	ctx := context.Background()
	id, err := domain.NewStagingID()
	require.NoError(t, err)
	require.NoError(t, s.InitBare(ctx, id))

	work := s.SnapshotDir(id)
	require.NoError(t, os.MkdirAll(filepath.Join(work, "records"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "records", "a.enc"), []byte("payload-a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "b.enc"), []byte("payload-b"), 0o644))

	require.NoError(t, s.WriteSnapshot(ctx, work, id, "sealed message"))

	entries, err := s.ListTree(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	paths := []string{entries[0].Path, entries[1].Path}
	assert.Contains(t, paths, "records/a.enc")
	assert.Contains(t, paths, "b.enc")

	for _, e := range entries {
		blob, err := s.ReadBlob(ctx, id, e.SHA)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(blob), "payload-"))
	}

	// Pushing again without new history is a no-op, not an error.
	require.NoError(t, s.WriteSnapshot(ctx, work, id, "ignored"))
}

func TestWriteSnapshotPushFailureIsRetryable(t *testing.T) {
	requireGit(t)
	s := newStore(t)
	ctx := context.Background()
	id, err := domain.NewStagingID()
	require.NoError(t, err)

	work := s.SnapshotDir(id)
	require.NoError(t, os.MkdirAll(work, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "a.enc"), []byte("x"), 0o644))

	// Target repository does not exist yet: the commit lands, the push fails.
	err = s.WriteSnapshot(ctx, work, id, "sealed")
	require.ErrorIs(t, err, domain.ErrStagingPush)

	require.NoError(t, s.InitBare(ctx, id))
	require.NoError(t, s.WriteSnapshot(ctx, work, id, ""), "retry pushes the existing commit")
}

// seededRepo initializes a bare staging repo holding one committed file and
// returns its id together with the tip commit SHA.
func seededRepo(t *testing.T, s *Store) (domain.RepoID, string) {
	t.Helper()
	ctx := context.Background()
	id, err := domain.NewStagingID()
	require.NoError(t, err)
	require.NoError(t, s.InitBare(ctx, id))
	work := s.SnapshotDir(id)
	require.NoError(t, os.MkdirAll(work, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "a.enc"), []byte("payload"), 0o644))
	require.NoError(t, s.WriteSnapshot(ctx, work, id, "sealed"))
	tip, err := runGit(ctx, s.RepoPath(id), "rev-parse", "refs/heads/main")
	require.NoError(t, err)
	return id, strings.TrimSpace(tip)
}

func TestAdvertiseRefsUploadPack(t *testing.T) {
	requireGit(t)
	s := newStore(t)
	id, tip := seededRepo(t, s)

	var adv bytes.Buffer
	require.NoError(t, s.AdvertiseRefs(context.Background(), ServiceUploadPack, id, &adv))
	out := adv.String()
	assert.True(t, strings.HasPrefix(out, "001e# service=git-upload-pack\n0000"),
		"advertisement must open with the service pkt-line and a flush")
	assert.Contains(t, out, tip+" refs/heads/main")
}

func TestServicePackUploadPackFetch(t *testing.T) {
	requireGit(t)
	s := newStore(t)
	id, tip := seededRepo(t, s)

	// Protocol v0 fetch: want the tip, flush, done. A well-formed exchange
	// answers NAK and then ships a packfile.
	body := pktLine("want "+tip+"\n") + "0000" + pktLine("done\n")
	var out bytes.Buffer
	require.NoError(t, s.ServicePack(context.Background(), ServiceUploadPack, id, strings.NewReader(body), &out))
	assert.Contains(t, out.String(), "NAK")
	assert.Contains(t, out.String(), "PACK")
}

func TestServicePackReceivePackFlush(t *testing.T) {
	requireGit(t)
	s := newStore(t)
	id, _ := seededRepo(t, s)

	// A flush-only body is an empty push; the stream must complete cleanly
	// with no ref updates.
	var out bytes.Buffer
	require.NoError(t, s.ServicePack(context.Background(), ServiceReceivePack, id, strings.NewReader("0000"), &out))

	tips, err := runGit(context.Background(), s.RepoPath(id), "for-each-ref")
	require.NoError(t, err)
	assert.Contains(t, tips, "refs/heads/main")
}

func TestDeleteRemovesRepoAndSnapshot(t *testing.T) {
	s := newStore(t)
	id, err := domain.NewStagingID()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(s.RepoPath(id), 0o755))
	require.NoError(t, os.MkdirAll(s.SnapshotDir(id), 0o755))

	require.NoError(t, s.Delete(id))
	assert.False(t, s.Exists(id))
	_, err = os.Stat(s.SnapshotDir(id))
	assert.True(t, os.IsNotExist(err))
}
