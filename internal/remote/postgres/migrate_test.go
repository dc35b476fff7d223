package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://u:p@localhost:5432/db?sslmode=disable", "pgx5://u:p@localhost:5432/db?sslmode=disable"},
		{"postgresql://u@host/db", "pgx5://u@host/db"},
		{"pgx5://already", "pgx5://already"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, migrateURL(tt.in))
		})
	}
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))

	local := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	got := nullTime(local)
	if assert.NotNil(t, got) {
		assert.Equal(t, time.UTC, got.Location())
		assert.True(t, got.Equal(local))
	}
}
