package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixedQualifiesEveryColumn(t *testing.T) {
	got := prefixed("b", batchColumns)

	parts := strings.Split(got, ", ")
	require.Len(t, parts, 17)
	for _, p := range parts {
		assert.True(t, strings.HasPrefix(p, "b."), "column %q is not qualified", p)
		assert.NotContains(t, p, "\n")
	}
	assert.Equal(t, "b.id", parts[0])
	assert.Equal(t, "b.updated_at", parts[len(parts)-1])
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: true},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "foreign key violation", err: &pgconn.PgError{Code: "23503"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestIsForeignKeyViolation(t *testing.T) {
	assert.True(t, isForeignKeyViolation(&pgconn.PgError{Code: "23503"}))
	assert.True(t, isForeignKeyViolation(fmt.Errorf("delete: %w", &pgconn.PgError{Code: "23503"})))
	assert.False(t, isForeignKeyViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isForeignKeyViolation(errors.New("boom")))
}

func TestRetryCutoffDefaultsToNow(t *testing.T) {
	assert.False(t, retryCutoff(time.Time{}).IsZero())

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("WAT", 3600))
	assert.Equal(t, fixed.UTC(), retryCutoff(fixed))
}
