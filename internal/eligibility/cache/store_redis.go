package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mutuelle/internal/eligibility/evaluator"
	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/sentinel"
	"mutuelle/pkg/requestcontext"
)

const keyPrefix = "eligibility:"

// Hash fields of one cached row.
const (
	fieldVerdict     = "verdict"
	fieldChecksum    = "checksum"
	fieldVersion     = "version"
	fieldUnreliable  = "unreliable"
	fieldReason      = "unreliable_reason"
	fieldInvalidated = "invalidated"
	fieldUpdatedAt   = "updated_at"
)

// RedisStore keeps one hash per beneficiary. Writes run in MULTI/EXEC so the
// version bump and the field changes land together.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func key(beneficiaryID id.BeneficiaryID) string {
	return keyPrefix + string(beneficiaryID)
}

func (s *RedisStore) Get(ctx context.Context, beneficiaryID id.BeneficiaryID) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, key(beneficiaryID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read eligibility cache: %w", err)
	}
	if len(fields) == 0 {
		return nil, sentinel.ErrNotFound
	}

	e := &Entry{
		BeneficiaryID:    beneficiaryID,
		Checksum:         fields[fieldChecksum],
		Unreliable:       fields[fieldUnreliable] == "1",
		UnreliableReason: fields[fieldReason],
		Invalidated:      fields[fieldInvalidated] == "1",
	}
	if raw := fields[fieldVersion]; raw != "" {
		if e.Version, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("decode cache version: %w", err)
		}
	}
	if raw := fields[fieldVerdict]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Verdict); err != nil {
			return nil, fmt.Errorf("decode cached verdict: %w", err)
		}
	}
	if raw := fields[fieldUpdatedAt]; raw != "" {
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("decode cache timestamp: %w", err)
		}
	}
	return e, nil
}

func (s *RedisStore) Upsert(ctx context.Context, beneficiaryID id.BeneficiaryID, verdict evaluator.Verdict, checksum string) (*Entry, error) {
	raw, err := json.Marshal(verdict)
	if err != nil {
		return nil, fmt.Errorf("encode verdict: %w", err)
	}
	updatedAt := requestcontext.Now(ctx).UTC()

	var version *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		version = writeVerdict(ctx, pipe, beneficiaryID, raw, checksum, updatedAt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("write eligibility cache: %w", err)
	}
	return upserted(beneficiaryID, verdict, checksum, version.Val(), updatedAt), nil
}

// UpsertIfVersion WATCHes the row so a write landing between the version
// check and EXEC aborts the transaction.
func (s *RedisStore) UpsertIfVersion(ctx context.Context, beneficiaryID id.BeneficiaryID, expected int64, verdict evaluator.Verdict, checksum string) (*Entry, error) {
	raw, err := json.Marshal(verdict)
	if err != nil {
		return nil, fmt.Errorf("encode verdict: %w", err)
	}
	updatedAt := requestcontext.Now(ctx).UTC()
	k := key(beneficiaryID)

	var version *redis.IntCmd
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, k, fieldVersion).Int64()
		if errors.Is(err, redis.Nil) {
			current = 0
		} else if err != nil {
			return err
		}
		if current != expected {
			return sentinel.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			version = writeVerdict(ctx, pipe, beneficiaryID, raw, checksum, updatedAt)
			return nil
		})
		return err
	}, k)
	switch {
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, sentinel.ErrConflict):
		return nil, sentinel.ErrConflict
	case err != nil:
		return nil, fmt.Errorf("write eligibility cache: %w", err)
	}
	return upserted(beneficiaryID, verdict, checksum, version.Val(), updatedAt), nil
}

func writeVerdict(ctx context.Context, pipe redis.Pipeliner, beneficiaryID id.BeneficiaryID, raw []byte, checksum string, updatedAt time.Time) *redis.IntCmd {
	k := key(beneficiaryID)
	pipe.HSet(ctx, k,
		fieldVerdict, string(raw),
		fieldChecksum, checksum,
		fieldUnreliable, "0",
		fieldReason, "",
		fieldInvalidated, "0",
		fieldUpdatedAt, updatedAt.Format(time.RFC3339Nano),
	)
	return pipe.HIncrBy(ctx, k, fieldVersion, 1)
}

func upserted(beneficiaryID id.BeneficiaryID, verdict evaluator.Verdict, checksum string, version int64, updatedAt time.Time) *Entry {
	return &Entry{
		BeneficiaryID: beneficiaryID,
		Verdict:       verdict,
		Checksum:      checksum,
		Version:       version,
		UpdatedAt:     updatedAt,
	}
}

func (s *RedisStore) MarkUnreliable(ctx context.Context, beneficiaryID id.BeneficiaryID, reason string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		k := key(beneficiaryID)
		pipe.HSet(ctx, k, fieldUnreliable, "1", fieldReason, reason)
		pipe.HIncrBy(ctx, k, fieldVersion, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark eligibility unreliable: %w", err)
	}
	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context, beneficiaryID id.BeneficiaryID) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		k := key(beneficiaryID)
		pipe.HSet(ctx, k, fieldInvalidated, "1")
		pipe.HIncrBy(ctx, k, fieldVersion, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate eligibility cache: %w", err)
	}
	return nil
}
