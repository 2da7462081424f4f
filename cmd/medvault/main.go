// Package main provides the medvault binary. Without arguments it starts the
// transport server; as "medvault hook pre-receive" it runs the content policy
// gate inside a repository's receive path; as "medvault share" it builds a
// disclosure snapshot from the command line.
//
// The server flow:
//  1. Load and validate configuration from MEDVAULT_* environment variables.
//  2. Prepare the data directory layout and open the registry database.
//  3. Wire the registry service, git store, janitor, and HTTP handler.
//  4. Serve until a termination signal, then shut down gracefully.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/envelope"
	"github.com/medvault/medvault/internal/gitx"
	"github.com/medvault/medvault/internal/httpx"
	"github.com/medvault/medvault/internal/janitor"
	"github.com/medvault/medvault/internal/policy"
	"github.com/medvault/medvault/internal/registry"
	"github.com/medvault/medvault/internal/registry/sqlite"
	"github.com/medvault/medvault/internal/sharing"
)

// realClock implements registry.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(2)
	}
	return cfg
}

func ensureDataDirs(cfg *config.Config) {
	for _, dir := range []string{cfg.DataDir, cfg.ReposDir(), cfg.StagingDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			slog.Error("create data directory", "dir", dir, "err", err)
			os.Exit(3)
		}
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, *sqlite.Store) {
	db, err := sql.Open("sqlite3", cfg.SQLiteDSN())
	if err != nil {
		slog.Error("open sqlite driver", "err", err)
		os.Exit(4)
	}
	st, err := sqlite.New(db)
	if err != nil {
		slog.Error("init sqlite schema", "err", err)
		os.Exit(4)
	}
	return db, st
}

func hookBin(cfg *config.Config) string {
	if cfg.HookBin != "" {
		return cfg.HookBin
	}
	self, err := os.Executable()
	if err != nil {
		slog.Warn("resolve own binary, content policy gate disabled", "err", err)
		return ""
	}
	return self
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	// No global write timeout: clone and push streams legitimately run long.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func runServe() error {
	cfg := loadConfig()
	ensureDataDirs(cfg)
	db, regStore := openDatabase(cfg)
	defer db.Close()

	clock := realClock{}
	svc := &registry.Service{Store: regStore, Clock: clock, SessionTTL: cfg.SessionTTL}
	store := &gitx.Store{Root: cfg.ReposDir(), WorkDir: cfg.StagingDir(), HookBin: hookBin(cfg)}

	h := httpx.New(svc, store, httpx.TokenVerifier{Secret: []byte(cfg.TokenSecret)})
	h.Registry = svc
	h.InternalSecret = cfg.InternalSecret
	h.MaxBody = cfg.MaxBodyBytes

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	j := janitor.New(svc, store, janitor.Config{Interval: cfg.CleanupInterval})
	j.Start(ctx)
	defer j.Stop()

	srv := newServer(cfg, h.Router())
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Addr, "pid", os.Getpid())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// runHook executes the pre-receive content policy gate. Git sets the working
// directory to the repository and feeds ref updates on stdin; a non-zero exit
// rejects the whole push atomically.
func runHook() int {
	gate := &policy.Gate{}
	if err := gate.Run(context.Background(), os.Stdin, os.Stderr); err != nil {
		if !errors.Is(err, domain.ErrPolicyViolation) {
			fmt.Fprintf(os.Stderr, "medvault: policy check failed: %v\n", err)
		}
		return 1
	}
	return 0
}

// runShare builds a disclosure snapshot for a repository and prints the
// payload, or writes it as a QR PNG when an output path is given.
// Usage: medvault share <repo-id> <principal> <owner-key-hex> [qr.png]
func runShare(args []string) int {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: medvault share <repo-id> <principal> <owner-key-hex> [qr.png]")
		return 2
	}
	cfg := loadConfig()
	source, err := domain.ParseRepoID(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "medvault: %v\n", err)
		return 2
	}
	ownerPriv, err := envelope.ParsePrivateKeyHex(args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "medvault: parse owner key: %v\n", err)
		return 2
	}
	ownerKey, err := envelope.SelfConversationKey(ownerPriv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "medvault: %v\n", err)
		return 1
	}

	db, regStore := openDatabase(cfg)
	defer db.Close()
	svc := &registry.Service{Store: regStore, Clock: realClock{}, SessionTTL: cfg.SessionTTL}
	store := &gitx.Store{Root: cfg.ReposDir(), WorkDir: cfg.StagingDir(), HookBin: hookBin(cfg)}
	p := &sharing.Pipeline{Store: store, Registry: svc, Endpoint: cfg.ExternalURL}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := p.Share(ctx, source, args[1], ownerKey)
	if err != nil && !errors.Is(err, domain.ErrStagingPush) {
		fmt.Fprintf(os.Stderr, "medvault: share: %v\n", err)
		return 1
	}
	if errors.Is(err, domain.ErrStagingPush) {
		fmt.Fprintln(os.Stderr, "medvault: staging push failed; payload below stays valid, rerun push with: medvault share (retry)")
	}

	if len(args) >= 4 {
		png, qerr := d.QRPNG(512)
		if qerr != nil {
			fmt.Fprintf(os.Stderr, "medvault: render qr: %v\n", qerr)
			return 1
		}
		if werr := os.WriteFile(args[3], png, 0o600); werr != nil {
			fmt.Fprintf(os.Stderr, "medvault: write qr: %v\n", werr)
			return 1
		}
	}
	raw, jerr := d.JSON()
	if jerr != nil {
		fmt.Fprintf(os.Stderr, "medvault: %v\n", jerr)
		return 1
	}
	fmt.Println(string(raw))
	if err != nil {
		return 1
	}
	return 0
}

func main() {
	args := os.Args[1:]
	switch {
	case len(args) >= 2 && args[0] == "hook" && args[1] == "pre-receive":
		os.Exit(runHook())
	case len(args) >= 1 && args[0] == "share":
		os.Exit(runShare(args[1:]))
	case len(args) == 0 || args[0] == "serve":
		if err := runServe(); err != nil {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "usage: medvault [serve | share ... | hook pre-receive]\n")
		os.Exit(2)
	}
}
