package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Repository abstracts the remote project-tracking API. The sync
// orchestrator only ever needs to enumerate a type and fetch one resource.
type Repository interface {
	ListAll(ctx context.Context, t Type) ([]Summary, error)
	FindByID(ctx context.Context, t Type, id string) (*Resource, error)
}

// HTTPError carries a non-2xx response from the remote API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("remote api: http %d: %s", e.StatusCode, e.Message)
}

// RESTRepository implements Repository against the remote REST API.
type RESTRepository struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRESTRepository creates a repository client. A nil httpClient gets a
// default with a 15s timeout.
func NewRESTRepository(baseURL, token string, httpClient *http.Client) *RESTRepository {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTRepository{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

// ListAll enumerates summaries for every resource of the given type.
func (r *RESTRepository) ListAll(ctx context.Context, t Type) ([]Summary, error) {
	if err := ValidateType(t); err != nil {
		return nil, err
	}
	var out []Summary
	if err := r.doJSON(ctx, fmt.Sprintf("/v1/resources/%s", url.PathEscape(string(t))), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindByID fetches the full resource payload for one resource.
func (r *RESTRepository) FindByID(ctx context.Context, t Type, id string) (*Resource, error) {
	if err := ValidateType(t); err != nil {
		return nil, err
	}
	var out Resource
	path := fmt.Sprintf("/v1/resources/%s/%s", url.PathEscape(string(t)), url.PathEscape(id))
	if err := r.doJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	if out.Type == "" {
		out.Type = t
	}
	return &out, nil
}

func (r *RESTRepository) doJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling remote api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
