package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validMinimalConfig() *Config {
	return &Config{
		Store: StoreConfig{Dir: "./data"},
		Accounts: []AccountConfig{
			{
				Homeserver: "https://matrix.example.org",
				Username:   "@alice:example.org",
				Password:   "hunter2",
				Enabled:    true,
			},
		},
	}
}

func TestValidate_MinimalValid(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate minimal config: %v", err)
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Store.Filename != "matrixcore.db" {
		t.Errorf("expected default filename 'matrixcore.db', got %s", cfg.Store.Filename)
	}
	if cfg.Sync.TimeoutMS != 30000 {
		t.Errorf("expected default sync timeout 30000, got %d", cfg.Sync.TimeoutMS)
	}
	if cfg.Sync.TimelineLimit != 20 {
		t.Errorf("expected default timeline limit 20, got %d", cfg.Sync.TimelineLimit)
	}
	if cfg.Sync.RetryDelaySecs != 30 {
		t.Errorf("expected default retry delay 30, got %d", cfg.Sync.RetryDelaySecs)
	}
	if cfg.Rotation.MessageCount != 100 {
		t.Errorf("expected default rotation message count 100, got %d", cfg.Rotation.MessageCount)
	}
	if cfg.Rotation.PeriodHours != 168 {
		t.Errorf("expected default rotation period 168h, got %d", cfg.Rotation.PeriodHours)
	}
	if cfg.Logging.MinLevel != "info" {
		t.Errorf("expected default min_level 'info', got %s", cfg.Logging.MinLevel)
	}
	if len(cfg.Logging.Writers) != 1 || cfg.Logging.Writers[0].Type != "stdout" {
		t.Errorf("expected default stdout writer, got %+v", cfg.Logging.Writers)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9110" {
		t.Errorf("expected default metrics listen '127.0.0.1:9110', got %s", cfg.Metrics.Listen)
	}
}

func TestValidate_CustomValuesNotOverwritten(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Store.Filename = "custom.db"
	cfg.Sync.TimeoutMS = 5000
	cfg.Rotation.MessageCount = 50

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Store.Filename != "custom.db" {
		t.Errorf("custom filename overwritten: %s", cfg.Store.Filename)
	}
	if cfg.Sync.TimeoutMS != 5000 {
		t.Errorf("custom sync timeout overwritten: %d", cfg.Sync.TimeoutMS)
	}
	if cfg.Rotation.MessageCount != 50 {
		t.Errorf("custom rotation message count overwritten: %d", cfg.Rotation.MessageCount)
	}
}

func TestValidate_MissingStoreDir(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Store.Dir = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing store.dir")
	}
	if !strings.Contains(err.Error(), "store.dir") {
		t.Errorf("error should mention store.dir: %v", err)
	}
}

func TestValidate_NoAccounts(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Accounts = nil

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when no accounts are configured")
	}
	if !strings.Contains(err.Error(), "accounts") {
		t.Errorf("error should mention accounts: %v", err)
	}
}

func TestValidate_AccountMissingHomeserver(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Accounts[0].Homeserver = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing homeserver")
	}
	if !strings.Contains(err.Error(), "homeserver") {
		t.Errorf("error should mention homeserver: %v", err)
	}
}

func TestValidate_AccountMissingUsername(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Accounts[0].Username = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing username")
	}
	if !strings.Contains(err.Error(), "username") {
		t.Errorf("error should mention username: %v", err)
	}
}

func TestValidate_AccountMissingCredential(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Accounts[0].Password = ""
	cfg.Accounts[0].AccessToken = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when neither password nor access_token is set")
	}
	if !strings.Contains(err.Error(), "password or access_token") {
		t.Errorf("error should mention password or access_token: %v", err)
	}
}

func TestValidate_AccountWithAccessTokenOnlyIsValid(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Accounts[0].Password = ""
	cfg.Accounts[0].AccessToken = "syt_abc"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestRotationConfig_Duration(t *testing.T) {
	r := RotationConfig{}
	if got, want := r.Duration(), 7*24*60*60*1_000_000_000; int64(got) != int64(want) {
		t.Errorf("zero-value RotationConfig.Duration() = %v, want 7 days", got)
	}

	r = RotationConfig{PeriodHours: 1}
	if got := r.Duration().Hours(); got != 1 {
		t.Errorf("RotationConfig{PeriodHours:1}.Duration() = %v hours, want 1", got)
	}
}

func TestLoad_ExpandsEnvAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.Setenv("MATRIXCORE_TEST_PASSWORD", "s3cret")
	defer os.Unsetenv("MATRIXCORE_TEST_PASSWORD")

	data := `
store:
  dir: ./data
accounts:
  - homeserver: https://matrix.example.org
    username: "@alice:example.org"
    password: "${MATRIXCORE_TEST_PASSWORD}"
    enabled: true
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Accounts[0].Password != "s3cret" {
		t.Errorf("expected expanded password 's3cret', got %q", cfg.Accounts[0].Password)
	}
}

func TestGenerateExample_IsNonEmptyYAML(t *testing.T) {
	if !strings.Contains(GenerateExample(), "accounts:") {
		t.Error("expected example config to contain an accounts section")
	}
}
