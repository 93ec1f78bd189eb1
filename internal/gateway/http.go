package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scanflow/internal/domain"
)

const defaultHTTPTimeout = 30 * time.Second

func newClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// doJSON sends body as JSON and returns the response body and status code.
// Transport errors are ExternalAPI.
func doJSON(ctx context.Context, client *http.Client, method, rawURL string, body any) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, 0, domain.Internal("encode request", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, 0, domain.Internal("create HTTP request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, domain.ExternalAPI("HTTP request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, domain.ExternalAPI("failed to read response body", err)
	}
	return respBody, resp.StatusCode, nil
}

func endpoint(base string, parts ...string) string {
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.TrimRight(base, "/") + "/api/v1/" + strings.Join(parts, "/")
}

// HTTP runs modules through the module registry's execute endpoint.
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTP(baseURL string, client *http.Client) *HTTP {
	return &HTTP{BaseURL: baseURL, Client: newClient(client)}
}

func (h *HTTP) Execute(ctx context.Context, req *Request) (*Output, error) {
	if h.BaseURL == "" {
		return nil, domain.Validationf("module registry URL is required")
	}
	u := endpoint(h.BaseURL, "modules", req.Module.ID, "execute")
	body, code, err := doJSON(ctx, newClient(h.Client), http.MethodPost, u, newExecuteBody(req))
	if err != nil {
		return nil, err
	}
	if code >= 400 {
		return nil, domain.ExternalAPI(fmt.Sprintf("module execution failed: %d", code), errors.New(strings.TrimSpace(string(body))))
	}
	return Extract(body, sourceName(req.Module))
}

func sourceName(m domain.ModuleRef) string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// HTTPDataStore forwards findings to the data storage service one by one.
// Findings that already carry an id are assumed stored.
type HTTPDataStore struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPDataStore(baseURL string, client *http.Client) *HTTPDataStore {
	return &HTTPDataStore{BaseURL: baseURL, Client: newClient(client)}
}

func (d *HTTPDataStore) Store(ctx context.Context, entities []domain.Entity, relationships []domain.Relationship) error {
	client := newClient(d.Client)
	for i := range entities {
		if entities[i].ID != "" {
			continue
		}
		if err := d.post(ctx, client, "entities", &entities[i]); err != nil {
			return err
		}
	}
	for i := range relationships {
		if relationships[i].ID != "" {
			continue
		}
		if err := d.post(ctx, client, "relationships", &relationships[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *HTTPDataStore) post(ctx context.Context, client *http.Client, kind string, v any) error {
	body, code, err := doJSON(ctx, client, http.MethodPost, endpoint(d.BaseURL, "data", kind), v)
	if err != nil {
		return err
	}
	if code >= 400 {
		return domain.ExternalAPI(fmt.Sprintf("data storage error: %d", code), errors.New(strings.TrimSpace(string(body))))
	}
	return nil
}

// Discard drops findings. Used when no data storage service is configured.
type Discard struct{}

func (Discard) Store(context.Context, []domain.Entity, []domain.Relationship) error { return nil }

// HTTPRegistry resolves module references against the module registry.
type HTTPRegistry struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPRegistry(baseURL string, client *http.Client) *HTTPRegistry {
	return &HTTPRegistry{BaseURL: baseURL, Client: newClient(client)}
}

type moduleInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (r *HTTPRegistry) Resolve(ctx context.Context, moduleID string) (domain.ModuleRef, error) {
	body, code, err := doJSON(ctx, newClient(r.Client), http.MethodGet, endpoint(r.BaseURL, "modules", moduleID), nil)
	if err != nil {
		return domain.ModuleRef{}, err
	}
	switch {
	case code == http.StatusNotFound:
		return domain.ModuleRef{}, domain.NotFoundf("module %s not found", moduleID)
	case code >= 400:
		return domain.ModuleRef{}, domain.ExternalAPI(fmt.Sprintf("failed to fetch module info: %d", code), errors.New(strings.TrimSpace(string(body))))
	}
	var info moduleInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return domain.ModuleRef{}, domain.ExternalAPI("failed to parse module info", err)
	}
	if info.ID == "" {
		info.ID = moduleID
	}
	return domain.ModuleRef{ID: info.ID, Name: info.Name, Version: info.Version}, nil
}
