package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
)

var svc = NewService("test-signing-key", "mutuelle-admin")

func TestIssueAndVerify(t *testing.T) {
	token, err := svc.Issue(id.Actor{ID: "dr-kone", Role: id.RolePhysician}, time.Hour)
	require.NoError(t, err)

	actor, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, id.ActorID("dr-kone"), actor.ID)
	assert.Equal(t, id.RolePhysician, actor.Role)
}

func TestVerify_Expired(t *testing.T) {
	token, err := svc.Issue(id.Actor{ID: "op-1", Role: id.RoleOperator}, -time.Hour)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	assert.Contains(t, err.Error(), "expired")
}

func TestVerify_WrongKey(t *testing.T) {
	other := NewService("other-key", "mutuelle-admin")
	token, err := other.Issue(id.Actor{ID: "op-1", Role: id.RoleOperator}, time.Hour)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestVerify_UnknownRole(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "superuser",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-1",
			Issuer:    "mutuelle-admin",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	_, err = svc.Verify(signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown actor role")
}

func TestVerify_Garbage(t *testing.T) {
	_, err := svc.Verify("not-a-token")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}
