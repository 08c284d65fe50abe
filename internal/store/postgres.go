package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, actor_id, actor_name, groups, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.ActorID, &k.ActorName, &k.Groups, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, actor_id, actor_name, groups, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		key.ID, key.ActorID, key.ActorName, nonNil(key.Groups), key.Name, key.KeyHash, key.KeyPrefix, nonNil(key.Scopes),
		key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, actorID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE actor_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, actorID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tenants ---

const tenantColumns = `code, name, is_active, is_default, table_suffix,
	db_host, db_port, db_database, db_username, db_password, db_options,
	api_base_url, api_username, api_password, oauth_url, api_timeout_seconds,
	created_at, updated_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var (
		t       models.Tenant
		timeout int
	)
	err := row.Scan(&t.Code, &t.Name, &t.IsActive, &t.IsDefault, &t.TableSuffix,
		&t.DB.Host, &t.DB.Port, &t.DB.Database, &t.DB.Username, &t.DB.PasswordEnc, &t.DB.Options,
		&t.API.BaseURL, &t.API.Username, &t.API.PasswordEnc, &t.API.OAuthURL, &timeout,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.APITimeout = time.Duration(timeout) * time.Second
	return &t, nil
}

// CreateTenant inserts t. When t is the default tenant every other tenant
// loses the flag in the same transaction.
func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	return s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if t.IsDefault {
			if err := clearDefault(ctx, tx, t.Code); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO tenants (`+tenantColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			t.Code, t.Name, t.IsActive, t.IsDefault, t.TableSuffix,
			t.DB.Host, t.DB.Port, t.DB.Database, t.DB.Username, t.DB.PasswordEnc, t.DB.Options,
			t.API.BaseURL, t.API.Username, t.API.PasswordEnc, t.API.OAuthURL, int(t.APITimeout/time.Second),
			t.CreatedAt, t.UpdatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create tenant: %w", err)
		}
		return nil
	})
}

// UpdateTenant overwrites every column of the tenant identified by t.Code.
func (s *PostgresStore) UpdateTenant(ctx context.Context, t *models.Tenant) error {
	return s.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if t.IsDefault {
			if err := clearDefault(ctx, tx, t.Code); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE tenants SET name = $2, is_active = $3, is_default = $4, table_suffix = $5,
			   db_host = $6, db_port = $7, db_database = $8, db_username = $9, db_password = $10, db_options = $11,
			   api_base_url = $12, api_username = $13, api_password = $14, oauth_url = $15, api_timeout_seconds = $16,
			   updated_at = $17
			 WHERE code = $1`,
			t.Code, t.Name, t.IsActive, t.IsDefault, t.TableSuffix,
			t.DB.Host, t.DB.Port, t.DB.Database, t.DB.Username, t.DB.PasswordEnc, t.DB.Options,
			t.API.BaseURL, t.API.Username, t.API.PasswordEnc, t.API.OAuthURL, int(t.APITimeout/time.Second),
			t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update tenant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func clearDefault(ctx context.Context, tx pgx.Tx, except string) error {
	if _, err := tx.Exec(ctx,
		`UPDATE tenants SET is_default = FALSE, updated_at = NOW() WHERE is_default AND code <> $1`, except); err != nil {
		return fmt.Errorf("clear default tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, code string) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// ListTenants returns tenants in registry order: creation time, then code.
func (s *PostgresStore) ListTenants(ctx context.Context, activeOnly bool) ([]*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at, code`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	tenants := []*models.Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// DeactivateTenant marks the tenant inactive. Tenant rows are never deleted.
func (s *PostgresStore) DeactivateTenant(ctx context.Context, code string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET is_active = FALSE, is_default = FALSE, updated_at = NOW() WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("deactivate tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Workflow Templates ---

func (s *PostgresStore) UpsertTemplate(ctx context.Context, tmpl *models.WorkflowTemplate) error {
	levels, err := json.Marshal(tmpl.Levels)
	if err != nil {
		return fmt.Errorf("encode template levels: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_templates (id, name, levels, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, levels = EXCLUDED.levels, updated_at = NOW()`,
		tmpl.ID, tmpl.Name, levels)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	var (
		t      models.WorkflowTemplate
		levels []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, levels FROM workflow_templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &levels)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if err := json.Unmarshal(levels, &t.Levels); err != nil {
		return nil, fmt.Errorf("decode template levels: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, levels FROM workflow_templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	templates := []*models.WorkflowTemplate{}
	for rows.Next() {
		var (
			t      models.WorkflowTemplate
			levels []byte
		)
		if err := rows.Scan(&t.ID, &t.Name, &levels); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		if err := json.Unmarshal(levels, &t.Levels); err != nil {
			return nil, fmt.Errorf("decode template levels: %w", err)
		}
		templates = append(templates, &t)
	}
	return templates, rows.Err()
}

// inTx runs fn in a transaction, rolling back on error.
func (s *PostgresStore) inTx(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
