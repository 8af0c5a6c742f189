package matrixcore

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/n42blockchain/matrixcore/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAddAccountAndStopAll(t *testing.T) {
	dir := t.TempDir()
	mc, err := Open(discardLogger(), config.StoreConfig{Dir: dir, Filename: "test.db"}, nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	acc := config.AccountConfig{
		Homeserver: "https://matrix.example.org",
		Username:   "@alice:example.org",
		Password:   "hunter2",
		Enabled:    true,
	}
	cl := mc.AddAccount(acc, config.RotationConfig{})
	if cl == nil {
		t.Fatal("AddAccount returned nil Client")
	}

	got, ok := mc.Client("@alice:example.org")
	if !ok || got != cl {
		t.Fatalf("Client lookup failed: got %v, ok=%v", got, ok)
	}

	if _, ok := mc.Client("@bob:example.org"); ok {
		t.Fatal("Client lookup should fail for an unregistered user")
	}

	if err := mc.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}

func TestLoadAccountsSkipsDisabled(t *testing.T) {
	dir := t.TempDir()
	mc, err := Open(discardLogger(), config.StoreConfig{Dir: dir, Filename: "test.db"}, nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mc.StopAll()

	cfg := &config.Config{
		Accounts: []config.AccountConfig{
			{Homeserver: "https://matrix.example.org", Username: "@alice:example.org", Password: "p", Enabled: true},
			{Homeserver: "https://matrix.example.org", Username: "@bob:example.org", Password: "p", Enabled: false},
		},
	}

	added := mc.LoadAccounts(cfg)
	if len(added) != 1 {
		t.Fatalf("LoadAccounts added %d clients, want 1", len(added))
	}
	if _, ok := mc.Client("@alice:example.org"); !ok {
		t.Error("expected enabled account @alice to be registered")
	}
	if _, ok := mc.Client("@bob:example.org"); ok {
		t.Error("disabled account @bob should not be registered")
	}
}
