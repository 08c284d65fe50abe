package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/internal/cache"
	"github.com/kiranshivaraju/approvalhub/internal/secrets"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

const maxAPITimeout = 300 * time.Second

var (
	codePattern   = regexp.MustCompile(`^[A-Z0-9]{2,5}$`)
	suffixPattern = regexp.MustCompile(`^[A-Za-z0-9_]{0,10}$`)
)

// Store persists tenant records.
type Store interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	UpdateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, code string) (*models.Tenant, error)
	ListTenants(ctx context.Context, activeOnly bool) ([]*models.Tenant, error)
	DeactivateTenant(ctx context.Context, code string) error
}

// Input is the admin payload for creating or updating a tenant. A nil
// password keeps the stored one on update, and a nil IsActive keeps the
// stored flag (new tenants start active).
type Input struct {
	Code              string  `json:"code"`
	Name              string  `json:"name"`
	IsActive          *bool   `json:"isActive,omitempty"`
	IsDefault         bool    `json:"isDefault"`
	TableSuffix       string  `json:"tableSuffix"`
	DBHost            string  `json:"dbHost"`
	DBPort            int     `json:"dbPort"`
	DBDatabase        string  `json:"dbDatabase"`
	DBUsername        string  `json:"dbUsername"`
	DBPassword        *string `json:"dbPassword,omitempty"`
	DBOptions         string  `json:"dbOptions"`
	APIBaseURL        string  `json:"apiBaseUrl"`
	APIUsername       string  `json:"apiUsername"`
	APIPassword       *string `json:"apiPassword,omitempty"`
	APITimeoutSeconds int     `json:"apiTimeout"`
	OAuthURL          string  `json:"oauthUrl"`
}

// Service manages tenant records. Reads return masked views; secrets are
// encrypted before they reach the store.
type Service struct {
	store    Store
	cipher   secrets.Cipher
	registry *Registry
	cache    cache.Cache
	now      func() time.Time
}

// NewService creates a tenant service. c may be nil when result caching is off.
func NewService(store Store, cipher secrets.Cipher, registry *Registry, c cache.Cache) *Service {
	return &Service{store: store, cipher: cipher, registry: registry, cache: c, now: time.Now}
}

// Create validates and stores a new active tenant.
func (s *Service) Create(ctx context.Context, in Input) (models.TenantView, error) {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	if !codePattern.MatchString(in.Code) {
		return models.TenantView{}, apperr.Validation("code must be 2-5 upper-case letters or digits")
	}
	if err := validateInput(in); err != nil {
		return models.TenantView{}, err
	}

	now := s.now().UTC()
	t := &models.Tenant{Code: in.Code, IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := s.apply(t, in); err != nil {
		return models.TenantView{}, err
	}

	if err := s.store.CreateTenant(ctx, t); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return models.TenantView{}, apperr.Conflict("tenant %s already exists", in.Code)
		}
		return models.TenantView{}, err
	}
	slog.InfoContext(ctx, "tenant created", "tenant", t.Code, "default", t.IsDefault)
	return t.View(), nil
}

// Update replaces the tenant's settings. The code cannot change. Setting
// IsActive reactivates a deactivated tenant.
func (s *Service) Update(ctx context.Context, code string, in Input) (models.TenantView, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if err := validateInput(in); err != nil {
		return models.TenantView{}, err
	}

	t, err := s.store.GetTenant(ctx, code)
	if err != nil {
		return models.TenantView{}, s.notFound(code, err)
	}
	if err := s.apply(t, in); err != nil {
		return models.TenantView{}, err
	}
	t.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateTenant(ctx, t); err != nil {
		return models.TenantView{}, s.notFound(code, err)
	}
	s.invalidate(ctx, code)
	slog.InfoContext(ctx, "tenant updated", "tenant", code, "active", t.IsActive, "default", t.IsDefault)
	return t.View(), nil
}

func (s *Service) Get(ctx context.Context, code string) (models.TenantView, error) {
	t, err := s.store.GetTenant(ctx, code)
	if err != nil {
		return models.TenantView{}, s.notFound(code, err)
	}
	return t.View(), nil
}

// List returns every tenant, active or not, in registry order.
func (s *Service) List(ctx context.Context) ([]models.TenantView, error) {
	return s.list(ctx, false)
}

func (s *Service) ListActive(ctx context.Context) ([]models.TenantView, error) {
	return s.list(ctx, true)
}

// Deactivate hides the tenant from queries. Nothing tagged with the tenant
// is ever deleted.
func (s *Service) Deactivate(ctx context.Context, code string) error {
	if err := s.store.DeactivateTenant(ctx, code); err != nil {
		return s.notFound(code, err)
	}
	s.invalidate(ctx, code)
	slog.InfoContext(ctx, "tenant deactivated", "tenant", code)
	return nil
}

// TestConnection probes the database coordinates in the input without
// storing anything.
func (s *Service) TestConnection(ctx context.Context, in Input) TestResult {
	if in.TableSuffix != "" && !suffixPattern.MatchString(in.TableSuffix) {
		return TestResult{Success: false, Message: "invalid table suffix"}
	}
	var password string
	if in.DBPassword != nil {
		password = *in.DBPassword
	}
	return s.registry.TestConnection(ctx, Profile{
		Host:        in.DBHost,
		Port:        in.DBPort,
		Database:    in.DBDatabase,
		Username:    in.DBUsername,
		Password:    password,
		Options:     in.DBOptions,
		MarkerTable: s.registry.MarkerTable(in.TableSuffix),
	})
}

func (s *Service) list(ctx context.Context, activeOnly bool) ([]models.TenantView, error) {
	rows, err := s.store.ListTenants(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	out := make([]models.TenantView, 0, len(rows))
	for _, t := range rows {
		out = append(out, t.View())
	}
	return out, nil
}

// apply copies the input onto t, encrypting any supplied password.
func (s *Service) apply(t *models.Tenant, in Input) error {
	t.Name = strings.TrimSpace(in.Name)
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	t.IsDefault = in.IsDefault
	t.TableSuffix = in.TableSuffix
	t.DB.Host = in.DBHost
	t.DB.Port = in.DBPort
	t.DB.Database = in.DBDatabase
	t.DB.Username = in.DBUsername
	t.DB.Options = in.DBOptions
	t.API.BaseURL = strings.TrimRight(in.APIBaseURL, "/")
	t.API.Username = in.APIUsername
	t.API.OAuthURL = in.OAuthURL
	t.APITimeout = time.Duration(in.APITimeoutSeconds) * time.Second
	if t.APITimeout == 0 {
		t.APITimeout = defaultAPITimeout
	}

	if in.DBPassword != nil {
		enc, err := secrets.EncryptString(s.cipher, *in.DBPassword)
		if err != nil {
			return fmt.Errorf("encrypt db password: %w", err)
		}
		t.DB.PasswordEnc = enc
	}
	if in.APIPassword != nil {
		enc, err := secrets.EncryptString(s.cipher, *in.APIPassword)
		if err != nil {
			return fmt.Errorf("encrypt api password: %w", err)
		}
		t.API.PasswordEnc = enc
	}
	return nil
}

// invalidate drops the cached connection and cached query results of a
// tenant whose record changed.
func (s *Service) invalidate(ctx context.Context, code string) {
	if s.registry != nil {
		s.registry.Invalidate(code)
	}
	if s.cache == nil {
		return
	}
	if _, err := s.cache.DeleteMatching(ctx, cache.ERPQueryPattern(code)); err != nil {
		slog.WarnContext(ctx, "failed to purge cached tenant queries", "tenant", code, "error", err)
	}
}

func (s *Service) notFound(code string, err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.NotFound("tenant %s", code)
	}
	return err
}

func validateInput(in Input) error {
	if strings.TrimSpace(in.Name) == "" {
		return apperr.Validation("name is required")
	}
	if !suffixPattern.MatchString(in.TableSuffix) {
		return apperr.Validation("table suffix must be up to 10 letters, digits or underscores")
	}
	if in.DBPort < 0 || in.DBPort > 65535 {
		return apperr.Validation("db port %d out of range", in.DBPort)
	}
	u, err := url.Parse(in.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Validation("api base url must be an absolute http(s) url")
	}
	if in.OAuthURL != "" {
		u, err := url.Parse(in.OAuthURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperr.Validation("oauth url must be an absolute http(s) url")
		}
	}
	timeout := time.Duration(in.APITimeoutSeconds) * time.Second
	if timeout < 0 || timeout > maxAPITimeout {
		return apperr.Validation("api timeout must be between 0 and %d seconds", int(maxAPITimeout/time.Second))
	}
	return nil
}
