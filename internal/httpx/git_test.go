package httpx_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/httpx"
	"github.com/medvault/medvault/internal/registry"
	"github.com/medvault/medvault/internal/registry/sqlite"
)

var tokenSecret = []byte("unit-test-token-secret-0123456789")

// stubStore is an in-memory GitStore double recording mutations.
type stubStore struct {
	mu      sync.Mutex
	repos   map[domain.RepoID]bool
	deleted []domain.RepoID
	packIn  []byte
}

func newStubStore() *stubStore { return &stubStore{repos: map[domain.RepoID]bool{}} }

func (s *stubStore) Exists(id domain.RepoID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repos[id]
}

func (s *stubStore) InitBare(_ context.Context, id domain.RepoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[id] = true
	return nil
}

func (s *stubStore) Delete(id domain.RepoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repos, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubStore) AdvertiseRefs(_ context.Context, service string, _ domain.RepoID, w io.Writer) error {
	// Like gitx.Store, the store writes the leading "# service=" pkt-line
	// and flush before the engine's advertisement.
	banner := "# service=" + service + "\n"
	if _, err := fmt.Fprintf(w, "%04x%s0000", len(banner)+4, banner); err != nil {
		return err
	}
	_, err := io.WriteString(w, "advertised:"+service)
	return err
}

func (s *stubStore) ServicePack(_ context.Context, service string, _ domain.RepoID, r io.Reader, w io.Writer) error {
	in, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.packIn = in
	s.mu.Unlock()
	_, err = io.WriteString(w, "result:"+service)
	return err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixture struct {
	handler *httpx.Handler
	store   *stubStore
	svc     *registry.Service
	mux     http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	regStore, err := sqlite.New(db)
	require.NoError(t, err)
	svc := &registry.Service{Store: regStore, Clock: fixedClock{t: time.Now().UTC()}}
	store := newStubStore()
	h := httpx.New(svc, store, httpx.TokenVerifier{Secret: tokenSecret})
	h.Registry = svc
	h.InternalSecret = "internal-shared-secret-for-tests"
	return &fixture{handler: h, store: store, svc: svc, mux: h.Router()}
}

func (f *fixture) registered(t *testing.T, owner string) domain.RepoID {
	t.Helper()
	id, err := domain.NewRepoID()
	require.NoError(t, err)
	_, err = f.svc.RegisterRepository(context.Background(), id, owner, "", "medical")
	require.NoError(t, err)
	require.NoError(t, f.store.InitBare(context.Background(), id))
	return id
}

func bearer(t *testing.T, principal string) string {
	t.Helper()
	tok, err := httpx.IssueToken(principal, tokenSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestInfoRefsNoCredentials(t *testing.T) {
	f := newFixture(t)
	id := f.registered(t, "alice")
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/repos/"+id.String()+"/info/refs?service=git-upload-pack", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
}

func TestInfoRefsInvalidBearer(t *testing.T) {
	f := newFixture(t)
	id := f.registered(t, "alice")
	req := httptest.NewRequest(http.MethodGet, "/repos/"+id.String()+"/info/refs?service=git-upload-pack", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestInfoRefsOwnerRead(t *testing.T) {
	f := newFixture(t)
	id := f.registered(t, "alice")
	req := httptest.NewRequest(http.MethodGet, "/repos/"+id.String()+"/info/refs?service=git-upload-pack", nil)
	req.Header.Set("Authorization", bearer(t, "alice"))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-git-upload-pack-advertisement", rr.Header().Get("Content-Type"))
	// pkt-line framed service banner precedes the engine's advertisement.
	assert.True(t, strings.HasPrefix(rr.Body.String(), "001e# service=git-upload-pack\n0000"), rr.Body.String())
	assert.Contains(t, rr.Body.String(), "advertised:git-upload-pack")
	assert.Contains(t, rr.Header().Get("Cache-Control"), "no-cache")
}

func TestInfoRefsDumbProtocolRejected(t *testing.T) {
	f := newFixture(t)
	id := f.registered(t, "alice")
	req := httptest.NewRequest(http.MethodGet, "/repos/"+id.String()+"/info/refs", nil)
	req.Header.Set("Authorization", bearer(t, "alice"))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReadOnlyPrincipalCannotPush(t *testing.T) {
	f := newFixture(t)
	id := f.registered(t, "alice")
	require.NoError(t, f.svc.Store.PutGrant(context.Background(), registry.Grant{
		RepoID: id, Principal: "bob", Level: domain.AccessReadOnly, CreatedAt: time.Now(),
	}))

	read := httptest.NewRequest(http.MethodGet, "/repos/"+id.String()+"/info/refs?service=git-upload-pack", nil)
	read.Header.Set("Authorization", bearer(t, "bob"))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, read)
	assert.Equal(t, http.StatusOK, rr.Code)

	push := httptest.NewRequest(http.MethodPost, "/repos/"+id.String()+"/git-receive-pack", strings.NewReader("x"))
	push.Header.Set("Authorization", bearer(t, "bob"))
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, push)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestNoGrantLooksLikeNotFound(t *testing.T) {
	f := newFixture(t)
	id := f.registered(t, "alice")
	req := httptest.NewRequest(http.MethodGet, "/repos/"+id.String()+"/info/refs?service=git-upload-pack", nil)
	req.Header.Set("Authorization", bearer(t, "mallory"))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPushToCreatePrincipal(t *testing.T) {
	f := newFixture(t)
	id, err := domain.NewRepoID()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/repos/"+id.String()+"/info/refs?service=git-receive-pack", nil)
	req.Header.Set("Authorization", bearer(t, "alice"))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// Storage provisioned and the pusher holds admin.
	assert.True(t, f.store.Exists(id))
	d, err := f.svc.CheckAccess(context.Background(), registry.Credential{Principal: "alice"}, id, domain.OpWrite)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, domain.AccessAdmin, d.Level)
}

func TestPushToCreateSessionTokenRefused(t *testing.T) {
	f := newFixture(t)
	staging, err := domain.NewStagingID()
	require.NoError(t, err)
	_, err = f.svc.RegisterRepository(context.Background(), staging, "alice", "", "staging")
	require.NoError(t, err)
	sess, err := f.svc.CreateScanSession(context.Background(), "alice", staging)
	require.NoError(t, err)

	id, err := domain.NewRepoID()
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/repos/"+id.String()+"/info/refs?service=git-receive-pack&token="+sess.Token.String(), nil)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.False(t, f.store.Exists(id), "session token must never create a repository")
}

// failingOracle registers nothing and errors, to exercise rollback and
// fail-closed behavior.
type failingOracle struct {
	checkErr    error
	registerErr error
}

func (o *failingOracle) CheckAccess(context.Context, registry.Credential, domain.RepoID, domain.Operation) (registry.Decision, error) {
	if o.checkErr != nil {
		return registry.Decision{}, o.checkErr
	}
	return registry.Decision{Allowed: true, Level: domain.AccessAdmin, Method: "principal"}, nil
}

func (o *failingOracle) RegisterRepository(context.Context, domain.RepoID, string, string, string) (*registry.Repository, error) {
	return nil, o.registerErr
}

func TestOracleUnreachableFailsClosed(t *testing.T) {
	store := newStubStore()
	h := httpx.New(&failingOracle{checkErr: errors.New("connection refused")}, store, httpx.TokenVerifier{Secret: tokenSecret})
	mux := h.Router()

	id, err := domain.NewRepoID()
	require.NoError(t, err)
	require.NoError(t, store.InitBare(context.Background(), id))

	req := httptest.NewRequest(http.MethodGet, "/repos/"+id.String()+"/info/refs?service=git-upload-pack", nil)
	req.Header.Set("Authorization", bearer(t, "alice"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestPushToCreateRollsBackOnRegistrationFailure(t *testing.T) {
	store := newStubStore()
	h := httpx.New(&failingOracle{registerErr: errors.New("registry down")}, store, httpx.TokenVerifier{Secret: tokenSecret})
	mux := h.Router()

	id, err := domain.NewRepoID()
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/repos/"+id.String()+"/info/refs?service=git-receive-pack", nil)
	req.Header.Set("Authorization", bearer(t, "alice"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.GreaterOrEqual(t, rr.Code, 500)
	assert.False(t, store.Exists(id), "storage must be rolled back")
	assert.Contains(t, store.deleted, id)
}

func TestSessionTokenScopedClone(t *testing.T) {
	f := newFixture(t)
	staging, err := domain.NewStagingID()
	require.NoError(t, err)
	_, err = f.svc.RegisterRepository(context.Background(), staging, "alice", "", "staging")
	require.NoError(t, err)
	require.NoError(t, f.store.InitBare(context.Background(), staging))
	sess, err := f.svc.CreateScanSession(context.Background(), "alice", staging)
	require.NoError(t, err)

	// Clone of the bound staging repo succeeds via query token.
	req := httptest.NewRequest(http.MethodGet, "/repos/"+staging.String()+"/info/refs?service=git-upload-pack&token="+sess.Token.String(), nil)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// The same token against any other repo is refused.
	other := f.registered(t, "alice")
	req = httptest.NewRequest(http.MethodGet, "/repos/"+other.String()+"/info/refs?service=git-upload-pack", nil)
	req.Header.Set("Authorization", httpx.SessionAuthScheme+" "+sess.Token.String())
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRPCStreamsBody(t *testing.T) {
	f := newFixture(t)
	id := f.registered(t, "alice")
	req := httptest.NewRequest(http.MethodPost, "/repos/"+id.String()+"/git-upload-pack", strings.NewReader("0000want"))
	req.Header.Set("Authorization", bearer(t, "alice"))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-git-upload-pack-result", rr.Header().Get("Content-Type"))
	assert.Equal(t, "result:git-upload-pack", rr.Body.String())
	assert.Equal(t, []byte("0000want"), f.store.packIn)
}

func TestRPCGzipBody(t *testing.T) {
	f := newFixture(t)
	id := f.registered(t, "alice")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("compressed-pack"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	req := httptest.NewRequest(http.MethodPost, "/repos/"+id.String()+"/git-upload-pack", &buf)
	req.Header.Set("Authorization", bearer(t, "alice"))
	req.Header.Set("Content-Encoding", "gzip")
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []byte("compressed-pack"), f.store.packIn)
}

func TestMalformedRepoIDNotFound(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/repos/not-a-valid-id/info/refs?service=git-upload-pack", nil)
	req.Header.Set("Authorization", bearer(t, "alice"))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
