package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mutuelle/internal/platform/postgres"
	"mutuelle/internal/settlement/models"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/sentinel"
	txcontext "mutuelle/pkg/platform/tx"
)

// PostgresStore persists records in the settlements table. The partial
// unique index uq_settlements_active_voucher enforces one active
// settlement per voucher.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const recordColumns = `id, voucher_id, kind, amount, currency, status, compensates, reason, created_by, created_at, settled_at`

func (s *PostgresStore) Insert(ctx context.Context, r *models.Record) error {
	var compensates *uuid.UUID
	if r.Compensates != nil {
		u := uuid.UUID(*r.Compensates)
		compensates = &u
	}
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO settlements (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		uuid.UUID(r.ID), uuid.UUID(r.VoucherID), string(r.Kind), r.Amount, r.Currency,
		string(r.Status), compensates, r.Reason, string(r.CreatedBy), r.CreatedAt, r.SettledAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, settlementID id.SettlementID) (*models.Record, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM settlements WHERE id = $1`, uuid.UUID(settlementID))
	return scanRecord(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, settlementID id.SettlementID, from, to models.Status, settledAt *time.Time) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE settlements
		SET status = $1, settled_at = COALESCE($2, settled_at)
		WHERE id = $3 AND status = $4
	`, string(to), settledAt, uuid.UUID(settlementID), string(from))
	if err != nil {
		return fmt.Errorf("update settlement status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update settlement status: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, settlementID); err != nil {
			return err
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) Active(ctx context.Context, voucherID id.VoucherID) (*models.Record, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM settlements
		WHERE voucher_id = $1 AND kind = 'settlement' AND status <> 'reversed'
	`, uuid.UUID(voucherID))
	return scanRecord(row)
}

func (s *PostgresStore) ListByVoucher(ctx context.Context, voucherID id.VoucherID) ([]models.Record, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+recordColumns+` FROM settlements
		WHERE voucher_id = $1
		ORDER BY created_at, kind DESC, id
	`, uuid.UUID(voucherID))
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) ListPending(ctx context.Context, after string, cutoff time.Time, limit int) ([]models.Record, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+recordColumns+` FROM settlements
		WHERE status = 'pending' AND created_at <= $1 AND id::text > $2
		ORDER BY id::text
		LIMIT $3
	`, cutoff, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending settlements: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]models.Record, error) {
	defer rows.Close()
	var out []models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		r                   models.Record
		rid, vid            uuid.UUID
		compensates         uuid.NullUUID
		kind, status, actor string
		settledAt           sql.NullTime
	)
	err := row.Scan(&rid, &vid, &kind, &r.Amount, &r.Currency, &status, &compensates,
		&r.Reason, &actor, &r.CreatedAt, &settledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan settlement: %w", err)
	}
	r.ID = id.SettlementID(rid)
	r.VoucherID = id.VoucherID(vid)
	r.Kind = models.Kind(kind)
	r.Status = models.Status(status)
	r.CreatedBy = id.ActorID(actor)
	r.CreatedAt = r.CreatedAt.UTC()
	if compensates.Valid {
		c := id.SettlementID(compensates.UUID)
		r.Compensates = &c
	}
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		r.SettledAt = &at
	}
	return &r, nil
}
