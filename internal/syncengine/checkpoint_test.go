package syncengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"moneycheck/internal/core"
)

func TestPolicies(t *testing.T) {
	last := now.Add(-3 * time.Hour)
	tests := []struct {
		name   string
		policy Policy
		user   core.User
		want   time.Time
	}{
		{"look back", LookBack(24 * time.Hour), core.User{LastSyncDate: last}, now.Add(-24 * time.Hour)},
		{"since last sync", SinceLastSync(24 * time.Hour), core.User{LastSyncDate: last}, last},
		{"since last sync before first sync", SinceLastSync(24 * time.Hour), core.User{}, now.Add(-24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy(tt.user, now))
		})
	}
}

func TestParsePolicy(t *testing.T) {
	user := core.User{LastSyncDate: now.Add(-time.Hour)}

	p, ok := ParsePolicy("window", time.Hour*10)
	assert.True(t, ok)
	assert.Equal(t, now.Add(-10*time.Hour), p(user, now))

	p, ok = ParsePolicy("last_sync", time.Hour*10)
	assert.True(t, ok)
	assert.Equal(t, user.LastSyncDate, p(user, now))

	_, ok = ParsePolicy("bogus", time.Hour)
	assert.False(t, ok)
}
