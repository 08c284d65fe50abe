// Package erp talks to the ERP generic-query REST endpoint of a single tenant.
package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/pkg/erpql"
	"golang.org/x/time/rate"
)

// Sentinel errors for ERP client failures. All of them are connection errors.
var (
	ErrUnreachable = fmt.Errorf("%w: erp unreachable", apperr.ErrConnection)
	ErrQueryError  = fmt.Errorf("%w: erp query error", apperr.ErrConnection)
	ErrTimeout     = fmt.Errorf("%w: erp timeout", apperr.ErrConnection)
	ErrAuth        = fmt.Errorf("%w: erp authentication failed", apperr.ErrConnection)
)

const genericQueryPath = "/api/framework/v1/genericQuery"

// tokenSkew renews OAuth tokens slightly before the server expires them.
const tokenSkew = 30 * time.Second

// Client is the interface for querying one tenant's ERP.
type Client interface {
	Query(ctx context.Context, q erpql.Query) (Page, error)
}

// Page is one page of generic-query results.
type Page struct {
	Items   []Row `json:"items"`
	HasNext bool  `json:"hasNext"`
}

// CredentialsFunc returns the API username and plaintext password. It is
// called for every outbound request so the password never lives on the client.
type CredentialsFunc func(ctx context.Context) (username, password string, err error)

// Options configures an HTTPClient.
type Options struct {
	BaseURL  string
	OAuthURL string

	Credentials CredentialsFunc

	Timeout           time.Duration
	RetryMax          int
	RetryBackoff      time.Duration
	RequestsPerSecond float64

	// HTTPClient overrides the transport. Timeout is ignored when set.
	HTTPClient *http.Client
}

// HTTPClient implements Client over the ERP REST API.
type HTTPClient struct {
	baseURL      string
	oauthURL     string
	credentials  CredentialsFunc
	retryMax     int
	retryBackoff time.Duration
	limiter      *rate.Limiter
	client       *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewHTTPClient creates a new ERP HTTP client.
func NewHTTPClient(opts Options) *HTTPClient {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}

	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		if b := int(opts.RequestsPerSecond); b > 1 {
			burst = b
		}
	}

	creds := opts.Credentials
	if creds == nil {
		creds = func(context.Context) (string, string, error) { return "", "", nil }
	}

	return &HTTPClient{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		oauthURL:     opts.OAuthURL,
		credentials:  creds,
		retryMax:     max(opts.RetryMax, 0),
		retryBackoff: opts.RetryBackoff,
		limiter:      rate.NewLimiter(limit, burst),
		client:       hc,
	}
}

// Query runs one generic query. Network errors, 5xx and 429 responses are
// retried with a constant backoff; anything else fails immediately.
func (c *HTTPClient) Query(ctx context.Context, q erpql.Query) (Page, error) {
	var page Page

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryBackoff), uint64(c.retryMax)),
		ctx,
	)
	op := func() error {
		p, err := c.query(ctx, q)
		if err != nil {
			return err
		}
		page = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "erp query failed, retrying", "base_url", c.baseURL, "table", q.Tables, "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, apperr.ErrConnection) {
			return Page{}, err
		}
		return Page{}, classifyError(err)
	}
	return page, nil
}

func (c *HTTPClient) query(ctx context.Context, q erpql.Query) (Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Page{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrTimeout, err))
	}

	u := fmt.Sprintf("%s%s?%s", c.baseURL, genericQueryPath, q.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Page{}, backoff.Permanent(fmt.Errorf("%w: building request: %v", ErrQueryError, err))
	}
	if err := c.authorize(ctx, req); err != nil {
		return Page{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		cerr := classifyError(err)
		if ctx.Err() != nil {
			return Page{}, backoff.Permanent(cerr)
		}
		return Page{}, cerr
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Page{}, fmt.Errorf("%w: status %d", ErrQueryError, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.dropToken()
		return Page{}, backoff.Permanent(fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode))
	default:
		return Page{}, backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrQueryError, resp.StatusCode, readSnippet(resp.Body)))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var page Page
	if err := dec.Decode(&page); err != nil {
		return Page{}, backoff.Permanent(fmt.Errorf("%w: decoding erp response: %v", ErrQueryError, err))
	}
	if page.Items == nil {
		page.Items = []Row{}
	}
	return page, nil
}

// authorize sets basic auth, or a bearer token when an OAuth URL is configured.
func (c *HTTPClient) authorize(ctx context.Context, req *http.Request) error {
	if c.oauthURL == "" {
		user, pass, err := c.credentials(ctx)
		if err != nil {
			return fmt.Errorf("%w: resolving credentials: %v", ErrAuth, err)
		}
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		return nil
	}

	token, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *HTTPClient) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	user, pass, err := c.credentials(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: resolving credentials: %v", ErrAuth, err)
	}

	form := url.Values{
		"grant_type": {"password"},
		"username":   {user},
		"password":   {pass},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: building token request: %v", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: token endpoint status %d", ErrAuth, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %v", ErrAuth, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= tokenSkew {
		ttl = 0
	} else {
		ttl -= tokenSkew
	}
	c.token = tr.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)
	return c.token, nil
}

func (c *HTTPClient) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
