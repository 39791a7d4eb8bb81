package postgres

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestStatements(t *testing.T) {
	stmts := statements(schema)
	assert.NotEmpty(t, stmts)
	for _, stmt := range stmts {
		assert.NotContains(t, stmt, ";")
		assert.NotRegexp(t, `^--`, stmt)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(assert.AnError))
}
