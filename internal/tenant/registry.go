package tenant

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/internal/config"
	"github.com/kiranshivaraju/approvalhub/internal/erp"
	"github.com/kiranshivaraju/approvalhub/internal/secrets"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
	"golang.org/x/sync/singleflight"
)

const defaultAPITimeout = 30 * time.Second

// Source reads tenant records.
type Source interface {
	GetTenant(ctx context.Context, code string) (*models.Tenant, error)
	ListTenants(ctx context.Context, activeOnly bool) ([]*models.Tenant, error)
}

// Registry hands out one Connection per tenant code, built on first use and
// kept until the tenant is invalidated.
type Registry struct {
	source    Source
	cipher    secrets.Cipher
	cfg       config.ERPConfig
	transport http.RoundTripper
	probe     ProbeFunc

	group singleflight.Group
	mu    sync.RWMutex
	conns map[string]Connection
	// gen is bumped by Invalidate so an in-flight build does not store a
	// connection made from a superseded record.
	gen map[string]uint64
}

// Option customises a Registry.
type Option func(*Registry)

// WithTransport sets the HTTP transport shared by outbound ERP clients.
// Each tenant still gets its own client and limiter.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Registry) { r.transport = rt }
}

// WithProbe replaces the database probe used by TestConnection.
func WithProbe(p ProbeFunc) Option {
	return func(r *Registry) { r.probe = p }
}

// NewRegistry creates a registry over the given tenant source.
func NewRegistry(source Source, cipher secrets.Cipher, cfg config.ERPConfig, opts ...Option) *Registry {
	r := &Registry{
		source: source,
		cipher: cipher,
		cfg:    cfg,
		probe:  PgxProbe,
		conns:  make(map[string]Connection),
		gen:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ActiveTenants lists active tenants in registry order.
func (r *Registry) ActiveTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := r.source.ListTenants(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	out := make([]models.Tenant, 0, len(rows))
	for _, t := range rows {
		out = append(out, *t)
	}
	return out, nil
}

// Connection returns the connection for code, building it on first use.
// Concurrent first calls for the same code share a single build.
func (r *Registry) Connection(ctx context.Context, code string) (Connection, error) {
	r.mu.RLock()
	conn, ok := r.conns[code]
	r.mu.RUnlock()
	if ok {
		return conn, nil
	}

	v, err, _ := r.group.Do(code, func() (any, error) {
		r.mu.RLock()
		conn, ok := r.conns[code]
		gen := r.gen[code]
		r.mu.RUnlock()
		if ok {
			return conn, nil
		}

		t, err := r.source.GetTenant(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", code, err)
		}
		if !t.IsActive {
			return nil, apperr.NotFound("tenant %s is inactive", code)
		}

		conn = r.build(*t)
		r.mu.Lock()
		if r.gen[code] == gen {
			r.conns[code] = conn
		}
		r.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Connection), nil
}

// Invalidate drops the cached connection for code. The next Connection
// call rebuilds it from the current tenant record.
func (r *Registry) Invalidate(code string) {
	r.mu.Lock()
	delete(r.conns, code)
	r.gen[code]++
	r.mu.Unlock()
	r.group.Forget(code)
}

// TestConnection validates candidate credentials without persisting them.
func (r *Registry) TestConnection(ctx context.Context, p Profile) TestResult {
	return r.probe(ctx, p)
}

// MarkerTable is the table a probe looks for on a tenant with suffix.
func (r *Registry) MarkerTable(suffix string) string {
	return r.cfg.MarkerTable + suffix
}

func (r *Registry) build(t models.Tenant) Connection {
	timeout := t.APITimeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	var hc *http.Client
	if r.transport != nil {
		hc = &http.Client{Transport: r.transport, Timeout: timeout}
	}

	apiPassword := t.API.PasswordEnc
	username := t.API.Username
	creds := func(context.Context) (string, string, error) {
		pw, err := secrets.DecryptString(r.cipher, apiPassword)
		if err != nil {
			return "", "", fmt.Errorf("decrypt api password: %w", err)
		}
		return username, pw, nil
	}

	client := erp.NewHTTPClient(erp.Options{
		BaseURL:           t.API.BaseURL,
		OAuthURL:          t.API.OAuthURL,
		Credentials:       creds,
		Timeout:           timeout,
		RetryMax:          r.cfg.RetryMax,
		RetryBackoff:      r.cfg.RetryBackoff,
		RequestsPerSecond: r.cfg.RequestsPerSecond,
		HTTPClient:        hc,
	})

	return &erpConnection{
		tenant:      t,
		client:      client,
		cipher:      r.cipher,
		markerTable: r.MarkerTable(t.TableSuffix),
		probe:       r.probe,
	}
}
