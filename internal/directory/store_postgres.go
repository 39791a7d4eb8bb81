package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/sentinel"
)

// PostgresStore reads the beneficiaries table maintained by the admin layer.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, beneficiaryID id.BeneficiaryID) (*Beneficiary, error) {
	var (
		b        Beneficiary
		raw      string
		category string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, enrolled_on, category FROM beneficiaries WHERE id = $1`,
		string(beneficiaryID),
	).Scan(&raw, &b.EnrolledOn, &category)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("lookup beneficiary: %w", err)
	}
	b.ID = id.BeneficiaryID(raw)
	b.Category = Category(category)
	b.EnrolledOn = b.EnrolledOn.UTC()
	return &b, nil
}

func (s *PostgresStore) List(ctx context.Context, afterID id.BeneficiaryID, limit int) ([]id.BeneficiaryID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM beneficiaries WHERE id > $1 ORDER BY id LIMIT $2`,
		string(afterID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list beneficiaries: %w", err)
	}
	defer rows.Close()

	var out []id.BeneficiaryID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan beneficiary id: %w", err)
		}
		out = append(out, id.BeneficiaryID(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beneficiaries: %w", err)
	}
	return out, nil
}

// Enroll inserts or updates a beneficiary. Used by the seed command; the
// core itself never writes the directory.
func (s *PostgresStore) Enroll(ctx context.Context, b Beneficiary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO beneficiaries (id, enrolled_on, category)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET enrolled_on = EXCLUDED.enrolled_on, category = EXCLUDED.category
	`, string(b.ID), b.EnrolledOn, string(b.Category))
	if err != nil {
		return fmt.Errorf("enroll beneficiary: %w", err)
	}
	return nil
}
