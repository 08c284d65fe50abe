package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

const instanceColumns = `id, tenant_code, branch, number, template_id, state_kind, state_level,
	levels, last_send_back, version, created_at, updated_at`

func scanInstance(row pgx.Row) (*models.WorkflowInstance, error) {
	var (
		inst     models.WorkflowInstance
		kind     string
		levels   []byte
		sendBack []byte
	)
	err := row.Scan(&inst.ID, &inst.Ref.Tenant, &inst.Ref.Branch, &inst.Ref.Number, &inst.TemplateID,
		&kind, &inst.State.Level, &levels, &sendBack, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.State.Kind = models.StateKind(kind)
	if err := json.Unmarshal(levels, &inst.Levels); err != nil {
		return nil, fmt.Errorf("decode instance levels: %w", err)
	}
	if len(sendBack) > 0 {
		var sb models.SendBack
		if err := json.Unmarshal(sendBack, &sb); err != nil {
			return nil, fmt.Errorf("decode send-back: %w", err)
		}
		inst.LastSendBack = &sb
	}
	return &inst, nil
}

func encodeInstance(inst *models.WorkflowInstance) (levels, sendBack []byte, err error) {
	if levels, err = json.Marshal(inst.Levels); err != nil {
		return nil, nil, fmt.Errorf("encode instance levels: %w", err)
	}
	if inst.LastSendBack != nil {
		if sendBack, err = json.Marshal(inst.LastSendBack); err != nil {
			return nil, nil, fmt.Errorf("encode send-back: %w", err)
		}
	}
	return levels, sendBack, nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	levels, sendBack, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_instances (`+instanceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID, inst.Ref.Tenant, inst.Ref.Branch, inst.Ref.Number, inst.TemplateID,
		string(inst.State.Kind), inst.State.Level, levels, sendBack, inst.Version, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("workflow for %s already exists", inst.Ref)
		}
		return fmt.Errorf("create workflow instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, ref models.DocumentRef) (*models.WorkflowInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE tenant_code = $1 AND branch = $2 AND number = $3`,
		ref.Tenant, ref.Branch, ref.Number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("workflow for %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow instance: %w", err)
	}
	return inst, nil
}

// Transition locks the instance row in a serializable transaction, applies
// fn and writes the result back guarded by the version it read. Errors from
// fn roll the transaction back and are returned unchanged.
func (s *PostgresStore) Transition(ctx context.Context, ref models.DocumentRef, fn func(inst *models.WorkflowInstance) error) (*models.WorkflowInstance, error) {
	var out *models.WorkflowInstance

	err := s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		inst, err := scanInstance(tx.QueryRow(ctx,
			`SELECT `+instanceColumns+` FROM workflow_instances
			 WHERE tenant_code = $1 AND branch = $2 AND number = $3 FOR UPDATE`,
			ref.Tenant, ref.Branch, ref.Number))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("workflow for %s", ref)
		}
		if err != nil {
			return classifyTxError(err, "lock workflow instance")
		}

		read := inst.Version
		if err := fn(inst); err != nil {
			return err
		}
		inst.Version = read + 1

		levels, sendBack, err := encodeInstance(inst)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE workflow_instances
			 SET state_kind = $2, state_level = $3, levels = $4, last_send_back = $5, version = $6, updated_at = $7
			 WHERE id = $1 AND version = $8`,
			inst.ID, string(inst.State.Kind), inst.State.Level, levels, sendBack, inst.Version, inst.UpdatedAt, read)
		if err != nil {
			return classifyTxError(err, "update workflow instance")
		}
		if tag.RowsAffected() == 0 {
			return apperr.Conflict("workflow for %s changed concurrently", ref)
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, classifyTxError(err, "workflow transition")
	}
	return out, nil
}

// classifyTxError maps serialization failures and deadlocks to ErrConflict.
func classifyTxError(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return apperr.Conflict("%s: concurrent update, retry", op)
		}
	}
	if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrValidation) || errors.Is(err, apperr.ErrAuthorization) ||
		errors.Is(err, apperr.ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
