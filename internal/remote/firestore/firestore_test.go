package firestore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneycheck/internal/remote"
	"moneycheck/internal/remote/remotetest"
)

// The contract runs against the Firestore emulator, e.g.
// gcloud emulators firestore start --host-port=localhost:8686
func TestContract_Emulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	remotetest.Run(t, func(t *testing.T) remote.Store {
		c, err := New(context.Background(), Config{ProjectID: "moneycheck-test"})
		require.NoError(t, err)
		return c
	})
}

func TestNew_RequiresProject(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNew_MissingCredentialsFile(t *testing.T) {
	_, err := New(context.Background(), Config{ProjectID: "p", CredentialsFile: "/does/not/exist.json"})
	assert.ErrorContains(t, err, "read credentials file")
}
