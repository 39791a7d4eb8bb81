package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mutuelle/internal/directory"
	"mutuelle/internal/ledger/models"
	id "mutuelle/pkg/domain"
	txcontext "mutuelle/pkg/platform/tx"
)

// PostgresStore persists ledger facts in the contributions and
// category_changes tables. The seq column breaks posted_at ties in append
// order.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, t *models.Transaction) error {
	query := `
		INSERT INTO contributions (
			id, beneficiary_id, period, amount, currency, kind, effect,
			reference, posted_at, recorded_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(t.ID),
		string(t.BeneficiaryID),
		t.Period.String(),
		t.Amount,
		t.Currency,
		string(t.Kind),
		string(t.Effect),
		t.Reference,
		t.PostedAt,
		string(t.RecordedBy),
	)
	if err != nil {
		return fmt.Errorf("append contribution: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendCategoryChange(ctx context.Context, c *models.CategoryChange) error {
	query := `
		INSERT INTO category_changes (beneficiary_id, effective_period, category, recorded_at, recorded_by)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		string(c.BeneficiaryID),
		c.EffectivePeriod.String(),
		string(c.Category),
		c.RecordedAt,
		string(c.RecordedBy),
	)
	if err != nil {
		return fmt.Errorf("append category change: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, beneficiaryID id.BeneficiaryID) ([]models.Transaction, error) {
	query := `
		SELECT id, period, amount, currency, kind, effect, reference, posted_at, recorded_by
		FROM contributions
		WHERE beneficiary_id = $1
		ORDER BY period, posted_at, seq
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, string(beneficiaryID))
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var (
			t          models.Transaction
			txID       uuid.UUID
			period     string
			kind       string
			effect     string
			recordedBy string
		)
		if err := rows.Scan(&txID, &period, &t.Amount, &t.Currency, &kind, &effect, &t.Reference, &t.PostedAt, &recordedBy); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		t.Period, err = models.ParsePeriod(period)
		if err != nil {
			return nil, fmt.Errorf("contribution %s: %w", txID, err)
		}
		t.ID = id.TransactionID(txID)
		t.BeneficiaryID = beneficiaryID
		t.Kind = models.Kind(kind)
		t.Effect = models.Effect(effect)
		t.RecordedBy = id.ActorID(recordedBy)
		t.PostedAt = t.PostedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCategoryChanges(ctx context.Context, beneficiaryID id.BeneficiaryID) ([]models.CategoryChange, error) {
	query := `
		SELECT effective_period, category, recorded_at, recorded_by
		FROM category_changes
		WHERE beneficiary_id = $1
		ORDER BY seq
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, string(beneficiaryID))
	if err != nil {
		return nil, fmt.Errorf("list category changes: %w", err)
	}
	defer rows.Close()

	var out []models.CategoryChange
	for rows.Next() {
		var (
			period, category, recordedBy string
			recordedAt                   time.Time
		)
		if err := rows.Scan(&period, &category, &recordedAt, &recordedBy); err != nil {
			return nil, fmt.Errorf("scan category change: %w", err)
		}
		effective, err := models.ParsePeriod(period)
		if err != nil {
			return nil, fmt.Errorf("category change: %w", err)
		}
		out = append(out, models.CategoryChange{
			BeneficiaryID:   beneficiaryID,
			EffectivePeriod: effective,
			Category:        directory.Category(category),
			RecordedAt:      recordedAt.UTC(),
			RecordedBy:      id.ActorID(recordedBy),
		})
	}
	return out, rows.Err()
}
