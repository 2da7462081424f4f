package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/registry"
)

// OracleClient implements Authorizer over the internal JSON RPC, for
// deployments where the transport and the registry run as separate
// processes. Any transport failure surfaces as domain.ErrUpstream so callers
// fail closed.
type OracleClient struct {
	BaseURL string
	Secret  string
	Client  *http.Client // nil uses a 10s-timeout default
}

var _ Authorizer = (*OracleClient)(nil)

func (c *OracleClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// CheckAccess delegates the decision to the remote oracle.
func (c *OracleClient) CheckAccess(ctx context.Context, cred registry.Credential, repoID domain.RepoID, op domain.Operation) (registry.Decision, error) {
	req := checkAccessRequest{
		Principal:    cred.Principal,
		SessionToken: cred.SessionToken.String(),
		RepoID:       repoID.String(),
		Operation:    string(op),
	}
	var d registry.Decision
	if err := c.post(ctx, "/internal/check-access", req, &d); err != nil {
		return registry.Decision{}, err
	}
	return d, nil
}

// RegisterRepository registers a repository through the remote oracle.
func (c *OracleClient) RegisterRepository(ctx context.Context, id domain.RepoID, owner, description, repoType string) (*registry.Repository, error) {
	req := struct {
		ID          string `json:"id"`
		Owner       string `json:"owner"`
		Description string `json:"description"`
		Type        string `json:"type"`
	}{ID: id.String(), Owner: owner, Description: description, Type: repoType}
	if err := c.post(ctx, "/internal/register-repo", req, nil); err != nil {
		return nil, err
	}
	return &registry.Repository{ID: id, Owner: owner, Description: description, Type: repoType}, nil
}

func (c *OracleClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(InternalAuthHeader, c.Secret)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusConflict:
		return domain.ErrConflict
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: oracle status %d", domain.ErrUpstream, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	return nil
}
