package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mutuelle/internal/voucher/models"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/sentinel"
	txcontext "mutuelle/pkg/platform/tx"
)

// PostgresStore persists vouchers in the vouchers table. Execute locks the
// row with SELECT ... FOR UPDATE and writes back with a version check.
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

const voucherColumns = `
	id, code, beneficiary_id, operator_id, created_at, expires_at, state,
	snapshot, snapshot_source, override, override_reason, ceiling, currency,
	rejection_reason, care_type, urgency, consultation_reason, transitions, version
`

func (s *PostgresStore) Create(ctx context.Context, v *models.Voucher) error {
	snapshot, err := json.Marshal(v.Snapshot.Verdict)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	transitions, err := json.Marshal(v.Transitions)
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}
	query := `INSERT INTO vouchers (` + voucherColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT DO NOTHING`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(v.ID), v.Code, string(v.BeneficiaryID), string(v.OperatorID),
		v.CreatedAt, v.ExpiresAt, string(v.State),
		snapshot, v.Snapshot.Source, v.Snapshot.Override, v.Snapshot.OverrideReason,
		v.Ceiling, v.Currency, v.RejectionReason, v.CareType, string(v.Urgency),
		v.ConsultationReason, transitions, v.Version,
	)
	if err != nil {
		return fmt.Errorf("insert voucher: %w", err)
	}
	// ON CONFLICT keeps an enclosing transaction usable when a code collides.
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert voucher: %w", err)
	}
	if n == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, voucherID id.VoucherID) (*models.Voucher, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+voucherColumns+` FROM vouchers WHERE id = $1`, uuid.UUID(voucherID))
	return scanVoucher(row)
}

// Execute joins the transaction carried by ctx or opens its own.
func (s *PostgresStore) Execute(ctx context.Context, voucherID id.VoucherID, validate func(*models.Voucher) error, mutate func(*models.Voucher)) (*models.Voucher, error) {
	if tx, ok := txcontext.From(ctx); ok {
		return s.execute(ctx, tx, voucherID, validate, mutate)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin voucher tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	v, err := s.execute(ctx, tx, voucherID, validate, mutate)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit voucher tx: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) execute(ctx context.Context, tx *sql.Tx, voucherID id.VoucherID, validate func(*models.Voucher) error, mutate func(*models.Voucher)) (*models.Voucher, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+voucherColumns+` FROM vouchers WHERE id = $1 FOR UPDATE`, uuid.UUID(voucherID))
	v, err := scanVoucher(row)
	if err != nil {
		return nil, err
	}
	if err := validate(v); err != nil {
		return nil, err
	}
	readVersion := v.Version
	mutate(v)

	transitions, err := json.Marshal(v.Transitions)
	if err != nil {
		return nil, fmt.Errorf("marshal transitions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE vouchers
		SET state = $1, rejection_reason = $2, transitions = $3, version = $4
		WHERE id = $5 AND version = $6
	`, string(v.State), v.RejectionReason, transitions, v.Version, uuid.UUID(voucherID), readVersion)
	if err != nil {
		return nil, fmt.Errorf("update voucher: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update voucher: %w", err)
	}
	if n == 0 {
		return nil, sentinel.ErrConflict
	}
	return v, nil
}

func (s *PostgresStore) CountIssuedSince(ctx context.Context, operatorID id.ActorID, since time.Time) (int, error) {
	var n int
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vouchers WHERE operator_id = $1 AND created_at >= $2`,
		string(operatorID), since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count issued vouchers: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListExpirable(ctx context.Context, after string, now time.Time, limit int) ([]id.VoucherID, error) {
	states := make([]string, 0, len(models.PreDispensed))
	for _, st := range models.PreDispensed {
		states = append(states, string(st))
	}
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id FROM vouchers
		WHERE state = ANY($1) AND expires_at <= $2 AND id::text > $3
		ORDER BY id::text
		LIMIT $4
	`, pq.Array(states), now, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable vouchers: %w", err)
	}
	defer rows.Close()

	var out []id.VoucherID
	for rows.Next() {
		var u uuid.UUID
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan voucher id: %w", err)
		}
		out = append(out, id.VoucherID(u))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expirable vouchers: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVoucher(row rowScanner) (*models.Voucher, error) {
	var (
		v                 models.Voucher
		vid               uuid.UUID
		beneficiary, opID string
		state, urgency    string
		snapshot, history []byte
	)
	err := row.Scan(
		&vid, &v.Code, &beneficiary, &opID, &v.CreatedAt, &v.ExpiresAt, &state,
		&snapshot, &v.Snapshot.Source, &v.Snapshot.Override, &v.Snapshot.OverrideReason,
		&v.Ceiling, &v.Currency, &v.RejectionReason, &v.CareType, &urgency,
		&v.ConsultationReason, &history, &v.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan voucher: %w", err)
	}
	if err := json.Unmarshal(snapshot, &v.Snapshot.Verdict); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := json.Unmarshal(history, &v.Transitions); err != nil {
		return nil, fmt.Errorf("decode transitions: %w", err)
	}
	v.ID = id.VoucherID(vid)
	v.BeneficiaryID = id.BeneficiaryID(beneficiary)
	v.OperatorID = id.ActorID(opID)
	v.State = models.State(state)
	v.Urgency = models.Urgency(urgency)
	v.CreatedAt = v.CreatedAt.UTC()
	v.ExpiresAt = v.ExpiresAt.UTC()
	return &v, nil
}
