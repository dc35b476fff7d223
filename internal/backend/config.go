package backend

import (
	"fmt"

	"moneycheck/internal/config"
	"moneycheck/internal/remote/firestore"
)

// BackendType represents the type of remote store
type BackendType string

const (
	MemoryBackend    BackendType = "memory"
	FirestoreBackend BackendType = "firestore"
	PostgresBackend  BackendType = "postgres"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, FirestoreBackend, PostgresBackend:
		return true
	default:
		return false
	}
}

// Config holds configuration for remote store creation
type Config struct {
	Type BackendType

	Firestore   firestore.Config
	PostgresDSN string
}

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.RemoteBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.RemoteBackend)
	}

	return Config{
		Type: backendType,
		Firestore: firestore.Config{
			ProjectID:       appConfig.Firestore.ProjectID,
			CredentialsFile: appConfig.Firestore.CredentialsFile,
			CredentialsJSON: appConfig.Firestore.CredentialsJSON,
		},
		PostgresDSN: appConfig.PostgresDSN,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	switch c.Type {
	case FirestoreBackend:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("Firestore project ID is required for firestore backend")
		}
	case PostgresBackend:
		if c.PostgresDSN == "" {
			return fmt.Errorf("Postgres DSN is required for postgres backend")
		}
	case MemoryBackend:
		// Nothing to configure; data lives for the process lifetime.
	}

	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{MemoryBackend, FirestoreBackend, PostgresBackend}
}
