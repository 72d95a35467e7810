package glpi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/models"
)

// Record is one row from the backend, keyed by field name or numeric
// search-API field id depending on which endpoint produced it.
type Record map[string]any

// Criterion is one search-API filter clause.
type Criterion struct {
	Link       string `json:"link,omitempty"`
	Field      int    `json:"field"`
	SearchType string `json:"searchtype"`
	Value      any    `json:"value"`
}

// QueryOptions shape a search call.
type QueryOptions struct {
	Criteria     []Criterion
	ForceDisplay []int
	Limit        int
	Offset       int
	// Deleted targets the soft-deleted record set (is_deleted=1).
	Deleted bool
	// ExpandDropdowns resolves foreign keys to display names.
	ExpandDropdowns bool
}

// Client is the capability the mediation layer consumes. Every call is
// at-most-once with its own error surface; no transactions are assumed.
type Client interface {
	Query(ctx context.Context, table string, opts QueryOptions) ([]Record, error)
	GetItem(ctx context.Context, table string, id int, fields ...string) (Record, error)
	SubItems(ctx context.Context, table string, id int, sub string, expand bool) ([]Record, error)
	Mutate(ctx context.Context, table string, op models.OperationKind, id int, fields json.RawMessage) (Record, error)
}

// HTTPClient talks to the GLPI REST API with app/user token session auth.
type HTTPClient struct {
	BaseURL    string
	AppToken   string
	UserToken  string
	HTTPClient *http.Client

	mu      sync.Mutex
	session string
}

func New(baseURL, appToken, userToken string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		AppToken:   appToken,
		UserToken:  userToken,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// InitSession opens a backend session. Called lazily by the first request
// and again after a 401.
func (c *HTTPClient) InitSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/apirest.php/initSession", nil)
	if err != nil {
		return err
	}
	req.Header.Set("App-Token", c.AppToken)
	req.Header.Set("Authorization", "user_token "+c.UserToken)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return models.Upstream(0, fmt.Sprintf("init session: %v", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, "initSession", body)
	}
	var out struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.SessionToken == "" {
		return models.Upstream(resp.StatusCode, "init session: malformed response")
	}
	c.mu.Lock()
	c.session = out.SessionToken
	c.mu.Unlock()
	return nil
}

// KillSession closes the current session, used on shutdown.
func (c *HTTPClient) KillSession(ctx context.Context) {
	c.mu.Lock()
	session := c.session
	c.session = ""
	c.mu.Unlock()
	if session == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/apirest.php/killSession", nil)
	if err != nil {
		return
	}
	req.Header.Set("App-Token", c.AppToken)
	req.Header.Set("Session-Token", session)
	if resp, err := c.httpClient().Do(req); err == nil {
		_ = resp.Body.Close()
	}
}

func (c *HTTPClient) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != "" {
		return session, nil
	}
	if err := c.InitSession(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	session = c.session
	c.mu.Unlock()
	return session, nil
}

// do runs one request, re-authenticating once if the session expired.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		session, err := c.sessionToken(ctx)
		if err != nil {
			return 0, nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("App-Token", c.AppToken)
		req.Header.Set("Session-Token", session)
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return 0, nil, models.Upstream(0, fmt.Sprintf("%s %s: %v", method, path, err))
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, nil, models.Upstream(0, fmt.Sprintf("%s %s: %v", method, path, readErr))
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.mu.Lock()
			c.session = ""
			c.mu.Unlock()
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, models.Upstream(http.StatusUnauthorized, "session renewal failed")
}

func statusError(status int, what string, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusNotFound:
		return models.NotFound("resource", what)
	case status == http.StatusBadRequest:
		return models.Validation(what+": "+msg, "")
	default:
		return models.Upstream(status, fmt.Sprintf("%s: status=%d %s", what, status, msg))
	}
}
