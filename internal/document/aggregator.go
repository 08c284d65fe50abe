// Package document fans a filter out to every active tenant and merges the
// documents they return.
package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/internal/cache"
	"github.com/kiranshivaraju/approvalhub/internal/erp"
	"github.com/kiranshivaraju/approvalhub/internal/metrics"
	"github.com/kiranshivaraju/approvalhub/internal/tenant"
	"github.com/kiranshivaraju/approvalhub/pkg/erpql"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTenantTimeout = 30 * time.Second
	// maxFollowPages bounds the pages read for approvals and for completing
	// a document cut by a page boundary.
	maxFollowPages = 50
)

// ErrTruncated is reported for a tenant whose follow-up rows exceed
// maxFollowPages.
var ErrTruncated = fmt.Errorf("%w: erp result too large", apperr.ErrConnection)

var countryPattern = regexp.MustCompile(`^[A-Z0-9]{2,5}$`)

// Registry is the subset of the tenant registry the aggregator needs.
type Registry interface {
	ActiveTenants(ctx context.Context) ([]models.Tenant, error)
	Connection(ctx context.Context, code string) (tenant.Connection, error)
}

// FilterSpec is one request's filter. Countries restricts the fan-out to a
// subset of active tenants; empty means all of them.
type FilterSpec struct {
	Conditions []erpql.Condition `json:"conditions"`
	Countries  []string          `json:"countries"`
	Page       int               `json:"page"`
	PageSize   int               `json:"pageSize"`
}

// Aggregator runs a FilterSpec against every selected tenant concurrently.
type Aggregator struct {
	registry Registry
	schema   Schema
	cache    cache.Cache
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	builder  erpql.QueryBuilder
}

// NewAggregator creates an aggregator. c may be nil, and a zero ttl disables
// result caching.
func NewAggregator(registry Registry, schema Schema, c cache.Cache, ttl time.Duration, m *metrics.Metrics) *Aggregator {
	return &Aggregator{registry: registry, schema: schema, cache: c, cacheTTL: ttl, metrics: m}
}

type tenantOutcome struct {
	docs []models.Document
	err  error
}

// Query validates spec once, queries each selected tenant within its own
// timeout and merges the results in registry order. Tenant failures are
// reported in the result; only validation and tenant listing return errors.
func (a *Aggregator) Query(ctx context.Context, spec FilterSpec) (*models.AggregateQueryResult, error) {
	countries, err := a.validate(spec)
	if err != nil {
		return nil, err
	}

	tenants, err := a.registry.ActiveTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	tenants = selectTenants(tenants, countries)

	hash := specHash(spec)
	outcomes := make([]tenantOutcome, len(tenants))

	var g errgroup.Group
	for i, t := range tenants {
		g.Go(func() error {
			outcomes[i] = a.runTenant(ctx, t, spec, hash)
			return nil
		})
	}
	_ = g.Wait()

	result := &models.AggregateQueryResult{
		Documents:           []models.Document{},
		Errors:              []models.TenantError{},
		SuccessfulCountries: []string{},
	}
	for i, t := range tenants {
		o := outcomes[i]
		if o.err != nil {
			result.HasErrors = true
			result.Errors = append(result.Errors, models.TenantError{Country: t.Code, Message: o.err.Error()})
			continue
		}
		result.Documents = append(result.Documents, o.docs...)
		result.SuccessfulCountries = append(result.SuccessfulCountries, t.Code)
	}

	slog.InfoContext(ctx, "aggregate query completed",
		"tenants", len(tenants),
		"succeeded", len(result.SuccessfulCountries),
		"documents", len(result.Documents),
	)
	return result, nil
}

// runTenant bounds one tenant by its API timeout. A tenant that ignores
// cancellation is abandoned at the deadline; its goroutine finishes into a
// buffered channel nobody reads.
func (a *Aggregator) runTenant(ctx context.Context, t models.Tenant, spec FilterSpec, hash string) tenantOutcome {
	timeout := t.APITimeout
	if timeout <= 0 {
		timeout = defaultTenantTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan tenantOutcome, 1)
	go func() {
		docs, err := a.cachedTenant(tctx, t, spec, hash)
		done <- tenantOutcome{docs: docs, err: err}
	}()

	var o tenantOutcome
	select {
	case o = <-done:
	case <-tctx.Done():
		o.err = fmt.Errorf("%w: query timed out after %s", apperr.ErrConnection, timeout)
		if errors.Is(ctx.Err(), context.Canceled) {
			o.err = fmt.Errorf("%w: query cancelled", apperr.ErrConnection)
		}
	}

	status := "ok"
	if o.err != nil {
		status = "error"
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			status = "timeout"
		}
		slog.WarnContext(ctx, "tenant query failed", "tenant", t.Code, "error", o.err, "duration", time.Since(start))
	}
	a.metrics.TenantQuery(ctx, t.Code, status, time.Since(start))
	return o
}

func (a *Aggregator) cachedTenant(ctx context.Context, t models.Tenant, spec FilterSpec, hash string) ([]models.Document, error) {
	if a.cache == nil || a.cacheTTL <= 0 {
		return a.queryTenant(ctx, t, spec)
	}

	key := cache.ERPQueryKey(t.Code, hash)
	docs, found, err := cache.GetJSON[[]models.Document](ctx, a.cache, key)
	if err != nil {
		slog.WarnContext(ctx, "cache get failed", "key", key, "error", err)
	}
	a.metrics.CacheLookup(ctx, found)
	if found {
		return docs, nil
	}

	docs, err = a.queryTenant(ctx, t, spec)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, a.cache, key, docs, a.cacheTTL); err != nil {
		slog.WarnContext(ctx, "cache set failed", "key", key, "error", err)
	}
	return docs, nil
}

// queryTenant reads one page of document rows, completes the documents cut
// by the page boundaries, then reads every approval row of the documents
// found and tags them with the tenant code.
func (a *Aggregator) queryTenant(ctx context.Context, t models.Tenant, spec FilterSpec) ([]models.Document, error) {
	conn, err := a.registry.Connection(ctx, t.Code)
	if err != nil {
		return nil, err
	}

	page, err := conn.Query(ctx, erpql.Options{
		Table:      a.schema.DocumentTable,
		Fields:     a.schema.documentFields(),
		Conditions: spec.Conditions,
		OrderBy:    a.schema.documentOrder(),
		Page:       spec.Page,
		PageSize:   spec.PageSize,
	})
	if err != nil {
		return nil, err
	}
	rows, err := a.alignPage(ctx, conn, spec, page)
	if err != nil {
		return nil, fmt.Errorf("page boundary: %w", err)
	}

	docs, index := a.schema.groupDocuments(rows)
	if len(docs) == 0 {
		return docs, nil
	}

	numbers := make([]string, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		if !seen[d.Number] {
			seen[d.Number] = true
			numbers = append(numbers, d.Number)
		}
	}

	approvals, err := queryAll(ctx, conn, erpql.Options{
		Table:      a.schema.ApprovalTable,
		Fields:     a.schema.approvalFields(),
		Conditions: []erpql.Condition{{Field: a.schema.ApprovalNumber, Operator: erpql.OpIn, Value: numbers}},
		OrderBy:    []erpql.Order{{Field: a.schema.ApprovalNumber}, {Field: a.schema.ApprovalLevel}},
	})
	if err != nil {
		return nil, fmt.Errorf("approval levels: %w", err)
	}
	a.schema.attachLevels(docs, index, approvals)

	for i := range docs {
		docs[i].Tenant = t.Code
	}
	return docs, nil
}

// alignPage makes a page of item rows hold whole documents. The leading
// document is dropped when it began on an earlier page, and the trailing
// document is completed with its remaining items when the page was cut.
func (a *Aggregator) alignPage(ctx context.Context, conn tenant.Connection, spec FilterSpec, page erp.Page) ([]erp.Row, error) {
	rows := page.Items
	if len(rows) == 0 {
		return rows, nil
	}
	s := a.schema
	first, last := rows[0], rows[len(rows)-1]
	lead := docKey{first.String(s.Branch), first.String(s.Number)}
	tail := docKey{last.String(s.Branch), last.String(s.Number)}

	dropLead := false
	if spec.Page > 1 {
		earlier, err := conn.Query(ctx, erpql.Options{
			Table:      s.DocumentTable,
			Fields:     []string{s.Number},
			Conditions: s.itemsOf(spec.Conditions, lead, erpql.OpLt, first.String(s.Item)),
			PageSize:   1,
		})
		if err != nil {
			return nil, err
		}
		dropLead = len(earlier.Items) > 0
	}

	if page.HasNext && !(dropLead && tail == lead) {
		rest, err := queryAll(ctx, conn, erpql.Options{
			Table:      s.DocumentTable,
			Fields:     s.documentFields(),
			Conditions: s.itemsOf(spec.Conditions, tail, erpql.OpGt, last.String(s.Item)),
			OrderBy:    s.documentOrder(),
		})
		if err != nil {
			return nil, err
		}
		rows = append(slices.Clip(rows), rest...)
	}

	if dropLead {
		rows = slices.DeleteFunc(slices.Clone(rows), func(r erp.Row) bool {
			return docKey{r.String(s.Branch), r.String(s.Number)} == lead
		})
	}
	return rows, nil
}

// queryAll follows HasNext until the result is exhausted. A result longer
// than maxFollowPages pages fails with ErrTruncated rather than being cut.
func queryAll(ctx context.Context, conn tenant.Connection, opts erpql.Options) ([]erp.Row, error) {
	opts.PageSize = erpql.MaxPageSize
	var rows []erp.Row
	for p := 1; ; p++ {
		if p > maxFollowPages {
			return nil, fmt.Errorf("%w: more than %d rows in %s", ErrTruncated, maxFollowPages*erpql.MaxPageSize, opts.Table)
		}
		opts.Page = p
		page, err := conn.Query(ctx, opts)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page.Items...)
		if !page.HasNext {
			return rows, nil
		}
	}
}

// validate checks the spec once up front so a bad filter fails the request
// instead of every tenant.
func (a *Aggregator) validate(spec FilterSpec) ([]string, error) {
	if spec.Page < 0 || spec.PageSize < 0 {
		return nil, apperr.Validation("page and pageSize must not be negative")
	}
	if _, err := a.builder.Build(erpql.Options{Table: a.schema.DocumentTable, Conditions: spec.Conditions}); err != nil {
		return nil, err
	}

	countries := make([]string, 0, len(spec.Countries))
	for _, c := range spec.Countries {
		c = strings.ToUpper(strings.TrimSpace(c))
		if !countryPattern.MatchString(c) {
			return nil, apperr.Validation("invalid country code %q", c)
		}
		countries = append(countries, c)
	}
	return countries, nil
}

func selectTenants(tenants []models.Tenant, countries []string) []models.Tenant {
	if len(countries) == 0 {
		return tenants
	}
	want := make(map[string]bool, len(countries))
	for _, c := range countries {
		want[c] = true
	}
	out := make([]models.Tenant, 0, len(countries))
	for _, t := range tenants {
		if want[t.Code] {
			out = append(out, t)
		}
	}
	return out
}

// specHash keys cached results. Countries are left out since each tenant
// caches its own share.
func specHash(spec FilterSpec) string {
	raw, _ := json.Marshal(struct {
		Conditions []erpql.Condition `json:"c"`
		Page       int               `json:"p"`
		PageSize   int               `json:"s"`
	}{spec.Conditions, spec.Page, spec.PageSize})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}
