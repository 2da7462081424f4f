// Package sharing implements the ephemeral re-encryption disclosure pipeline:
// a snapshot of a vault is decrypted with the owner's long-term conversation
// key, re-encrypted under a fresh single-use keypair, pushed to a staging
// repository, and handed out as a time-boxed scan session. The ephemeral
// private key lives only inside the disclosure payload; it is never persisted
// server-side, which is what makes the key single-use.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/envelope"
	"github.com/medvault/medvault/internal/gitx"
	"github.com/medvault/medvault/internal/registry"
)

// Snapshotter is the storage surface the pipeline drives. Satisfied by
// *gitx.Store.
type Snapshotter interface {
	ListTree(ctx context.Context, id domain.RepoID) ([]gitx.TreeEntry, error)
	ReadBlob(ctx context.Context, id domain.RepoID, sha string) ([]byte, error)
	InitBare(ctx context.Context, id domain.RepoID) error
	Delete(id domain.RepoID) error
	SnapshotDir(id domain.RepoID) string
	WriteSnapshot(ctx context.Context, workDir string, target domain.RepoID, message string) error
}

// Registrar is the registry surface the pipeline needs. Satisfied by
// *registry.Service and by the httpx oracle client.
type Registrar interface {
	RegisterRepository(ctx context.Context, id domain.RepoID, owner, description, repoType string) (*registry.Repository, error)
	CreateScanSession(ctx context.Context, principal string, stagingRepoID domain.RepoID) (*registry.ScanSession, error)
	// DeleteRepository cascades grants and scan sessions; rollback paths use
	// it to unwind a partially built disclosure.
	DeleteRepository(ctx context.Context, id domain.RepoID) error
}

// Pipeline builds disclosure snapshots. Safe for concurrent use; each Share
// call works in its own staging directory.
type Pipeline struct {
	Store    Snapshotter
	Registry Registrar
	Endpoint string // externally reachable base URL of the transport server
	Logger   *slog.Logger
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger.With("domain", "sharing")
	}
	return slog.Default().With("domain", "sharing")
}

// Share discloses the current snapshot of source to a third party. It returns
// the disclosure payload the recipient needs to clone and decrypt.
//
// When the staging push fails after keys and token were already minted, the
// payload is returned alongside an error wrapping domain.ErrStagingPush; the
// caller may present the payload and retry the push alone via RetryPush. Any
// other error means nothing usable was produced and staged state is rolled
// back.
func (p *Pipeline) Share(ctx context.Context, source domain.RepoID, owner string, ownerKey envelope.ConversationKey) (*Disclosure, error) {
	ephemeral, err := envelope.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralKey, err := envelope.SelfConversationKey(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("derive ephemeral conversation key: %w", err)
	}
	stagingID, err := domain.NewStagingID()
	if err != nil {
		return nil, err
	}

	workDir := p.Store.SnapshotDir(stagingID)
	if err := p.populate(ctx, source, workDir, ownerKey, ephemeralKey); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}

	if err := p.Store.InitBare(ctx, stagingID); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("provision staging: %w", err)
	}
	if _, err := p.Registry.RegisterRepository(ctx, stagingID, owner, "disclosure snapshot", "staging"); err != nil {
		_ = p.Store.Delete(stagingID)
		return nil, fmt.Errorf("register staging: %w", err)
	}
	sess, err := p.Registry.CreateScanSession(ctx, owner, stagingID)
	if err != nil {
		p.rollback(ctx, stagingID)
		return nil, fmt.Errorf("create scan session: %w", err)
	}

	d := &Disclosure{
		Action:                 DisclosureAction,
		EphemeralPrivateKeyHex: envelope.MarshalPrivateKeyHex(ephemeral),
		SessionToken:           sess.Token.String(),
		StagingRepoID:          stagingID.String(),
		ExpiresAtUnixSeconds:   sess.ExpiresAt.Unix(),
		EndpointURL:            p.Endpoint,
	}

	message, err := envelope.Encrypt([]byte("snapshot "+time.Now().UTC().Format(time.RFC3339)), ephemeralKey)
	if err != nil {
		p.rollback(ctx, stagingID)
		return nil, fmt.Errorf("seal commit message: %w", err)
	}
	if err := p.Store.WriteSnapshot(ctx, workDir, stagingID, message); err != nil {
		if errors.Is(err, domain.ErrStagingPush) {
			// Keys and token are already minted; the payload stays valid and
			// the push alone is retryable.
			p.log().Warn("staging push failed, payload remains retryable", "staging", stagingID.String(), "err", err)
			return d, err
		}
		p.rollback(ctx, stagingID)
		return nil, err
	}
	p.log().Info("disclosure staged", "source", source.String(), "staging", stagingID.String(), "expires", sess.ExpiresAt)
	return d, nil
}

// rollback unwinds a partially built disclosure after registration succeeded.
// Registry state goes first, physical storage second, so a crash in between
// leaves only an orphaned directory for the janitor, never a registry row
// pointing at missing storage.
func (p *Pipeline) rollback(ctx context.Context, stagingID domain.RepoID) {
	if err := p.Registry.DeleteRepository(ctx, stagingID); err != nil {
		p.log().Error("rollback registry delete failed", "staging", stagingID.String(), "err", err)
	}
	if err := p.Store.Delete(stagingID); err != nil {
		p.log().Error("rollback storage delete failed", "staging", stagingID.String(), "err", err)
	}
}

// RetryPush retries the staging push for a disclosure whose snapshot commit
// already exists. It mints no new keys or tokens.
func (p *Pipeline) RetryPush(ctx context.Context, d *Disclosure) error {
	id, err := domain.ParseRepoID(d.StagingRepoID)
	if err != nil || !id.IsStaging() {
		return domain.ErrInvalidID
	}
	return p.Store.WriteSnapshot(ctx, p.Store.SnapshotDir(id), id, "")
}

// populate walks the source tree and writes the re-encrypted snapshot. Files
// are processed strictly one at a time; each plaintext is released before the
// next blob is read, so memory is bounded by the largest single file.
func (p *Pipeline) populate(ctx context.Context, source domain.RepoID, workDir string, ownerKey, ephemeralKey envelope.ConversationKey) error {
	entries, err := p.Store.ListTree(ctx, source)
	if err != nil {
		return fmt.Errorf("enumerate source tree: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst, err := snapshotPath(workDir, e.Path)
		if err != nil {
			return err
		}
		blob, err := p.Store.ReadBlob(ctx, source, e.SHA)
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Path, err)
		}
		reencrypted, err := reencrypt(strings.TrimSpace(string(blob)), ownerKey, ephemeralKey)
		if err != nil {
			return fmt.Errorf("re-encrypt %s: %w", e.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(dst, []byte(reencrypted), 0o600); err != nil {
			return err
		}
	}
	return nil
}

// reencrypt opens one envelope under the owner key and reseals the plaintext
// under the ephemeral key, preserving the variant choice by plaintext size.
func reencrypt(env string, ownerKey, ephemeralKey envelope.ConversationKey) (string, error) {
	version, err := envelope.Version(env)
	if err != nil {
		return "", err
	}
	var plain []byte
	if version == envelope.VersionLarge {
		plain, err = envelope.DecryptLarge(env, ownerKey)
	} else {
		plain, err = envelope.Decrypt(env, ownerKey)
	}
	if err != nil {
		return "", err
	}
	if len(plain) > envelope.MaxPlaintext {
		return envelope.EncryptLarge(plain, ephemeralKey)
	}
	return envelope.Encrypt(plain, ephemeralKey)
}

// snapshotPath resolves a tree path inside the snapshot directory, rejecting
// anything that would escape it.
func snapshotPath(workDir, treePath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(treePath))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("unsafe tree path %q", treePath)
	}
	return filepath.Join(workDir, clean), nil
}
