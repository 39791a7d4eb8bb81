package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "mutuelle/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs"
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseVoucherID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseVoucherID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseSettlementID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParseTransactionID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, TransactionID(validUUID), id)
	})
}

func TestParseBeneficiaryID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"SQL injection attempt", "'; DROP TABLE beneficiaries;--", true},
		{"Path traversal", "../../../etc/passwd", true},
		{"Null byte", "MBR\x00001", true},
		{"Oversized input", strings.Repeat("a", 65), true},
		{"Empty string", "", true},
		{"Whitespace", "MBR 001", true},

		{"Matricule", "MBR-0001", false},
		{"Dotted", "agt.042_b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBeneficiaryID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestActorRequireRole(t *testing.T) {
	physician := Actor{ID: "doc-1", Role: RolePhysician}

	require.NoError(t, physician.RequireRole(RolePhysician, RoleOperator))

	err := physician.RequireRole(RolePharmacist)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeWrongActorRole))

	err = Actor{Role: RolePhysician}.RequireRole(RolePhysician)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}
