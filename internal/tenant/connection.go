// Package tenant resolves tenant codes to live ERP connections and manages
// the tenant records behind them.
package tenant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/approvalhub/internal/erp"
	"github.com/kiranshivaraju/approvalhub/internal/secrets"
	"github.com/kiranshivaraju/approvalhub/pkg/erpql"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// Connection is the capability a tenant exposes to the rest of the portal.
// There is exactly one Connection per tenant code.
type Connection interface {
	Tenant() models.Tenant
	Query(ctx context.Context, opts erpql.Options) (erp.Page, error)
	TestConnection(ctx context.Context) TestResult
}

// erpConnection queries the ERP REST API and probes the ERP database of a
// single tenant.
type erpConnection struct {
	tenant      models.Tenant
	client      erp.Client
	cipher      secrets.Cipher
	markerTable string
	probe       ProbeFunc
	builder     erpql.QueryBuilder
}

func (c *erpConnection) Tenant() models.Tenant {
	return c.tenant
}

// Query builds a generic query against the tenant's suffixed table and
// returns one page of rows. Page.HasNext reports whether more rows follow.
func (c *erpConnection) Query(ctx context.Context, opts erpql.Options) (erp.Page, error) {
	opts.Table += c.tenant.TableSuffix
	q, err := c.builder.Build(opts)
	if err != nil {
		return erp.Page{}, err
	}
	if len(q.Dropped) > 0 {
		slog.DebugContext(ctx, "dropped invalid identifiers", "tenant", c.tenant.Code, "table", q.Tables, "dropped", q.Dropped)
	}

	page, err := c.client.Query(ctx, q)
	if err != nil {
		return erp.Page{}, fmt.Errorf("tenant %s: %w", c.tenant.Code, err)
	}
	return page, nil
}

// TestConnection probes the tenant's ERP database with its stored
// credentials. The decrypted password lives only for the probe.
func (c *erpConnection) TestConnection(ctx context.Context) TestResult {
	password, err := secrets.DecryptString(c.cipher, c.tenant.DB.PasswordEnc)
	if err != nil {
		return TestResult{Success: false, Message: "stored database password cannot be decrypted"}
	}
	return c.probe(ctx, Profile{
		Host:        c.tenant.DB.Host,
		Port:        c.tenant.DB.Port,
		Database:    c.tenant.DB.Database,
		Username:    c.tenant.DB.Username,
		Password:    password,
		Options:     c.tenant.DB.Options,
		MarkerTable: c.markerTable,
	})
}
