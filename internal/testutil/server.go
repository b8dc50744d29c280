// Shared setup for tests that need a fully wired application talking to a
// fake backend.

package testutil

import (
	"testing"

	"github.com/policypulse/policypulse-go/internal/api"
	"github.com/policypulse/policypulse-go/internal/config"
	"github.com/policypulse/policypulse-go/internal/core"
)

// TestConfig returns a configuration pointing at baseURL with an in-memory
// database and scheduled syncs disabled.
func TestConfig(baseURL string) *config.Config {
	cfg := &config.Config{Port: 0, SyncInterval: 0}
	cfg.Backend.BaseURL = baseURL
	cfg.Backend.TimeoutSeconds = 5
	cfg.Database.Path = ":memory:"
	cfg.Log.Level = "warn"
	return cfg
}

// SetupTestApp builds a core.App against a fresh fake backend. The app is
// closed when the test completes.
func SetupTestApp(t *testing.T) (*core.App, *FakeBackend) {
	t.Helper()
	fake := NewFakeBackend(t)
	app, err := core.NewWithConfig(TestConfig(fake.URL()))
	if err != nil {
		t.Fatalf("Failed to set up app: %v", err)
	}
	app.Version = "test"
	t.Cleanup(app.Close)
	return app, fake
}

// SetupTestServer initializes a full core.App and api.Server for integration testing.
func SetupTestServer(t *testing.T) (*api.Server, *core.App, *FakeBackend) {
	t.Helper()
	app, fake := SetupTestApp(t)
	return api.NewServer(app), app, fake
}
