package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreMissingFileYieldsEmptyConfig(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "config.yaml"))
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.PasswordHash != "" || cfg.Telegram.Token != "" {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s := NewStore(path)

	want := &Config{
		Server:   ServerConfig{ListenAddr: ":9090"},
		Auth:     AuthConfig{PasswordHash: "$2a$10$abc"},
		Telegram: TelegramConfig{Token: "123:abc", AllowedChatIDs: []int64{42, 99}},
		LLM:      LLMConfig{APIKey: "sk-test", Model: "gpt-4.1-mini"},
		HITL:     HITLConfig{PermissionTimeoutSecs: 60, OnUnansweredPlan: "abort"},
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Auth.PasswordHash != want.Auth.PasswordHash {
		t.Errorf("password hash = %q", got.Auth.PasswordHash)
	}
	if len(got.Telegram.AllowedChatIDs) != 2 || got.Telegram.AllowedChatIDs[0] != 42 {
		t.Errorf("allowed chats = %v", got.Telegram.AllowedChatIDs)
	}
	if got.Server.ListenAddr != ":9090" {
		t.Errorf("listen addr = %q", got.Server.ListenAddr)
	}
	if got.HITL.PermissionTimeoutSecs != 60 || got.HITL.OnUnansweredPlan != "abort" {
		t.Errorf("hitl = %+v", got.HITL)
	}
}

func TestStoreUpdatePreservesOtherSections(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "config.yaml"))
	if err := s.Save(&Config{Telegram: TelegramConfig{Token: "123:abc"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	err := s.Update(func(cfg *Config) {
		cfg.Auth.PasswordHash = "hash"
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.PasswordHash != "hash" {
		t.Errorf("password hash = %q", cfg.Auth.PasswordHash)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("telegram token lost: %q", cfg.Telegram.Token)
	}
}

func TestApplyEnvFallback(t *testing.T) {
	t.Setenv("OPSBOT_LLM_API_KEY", "sk-env")
	t.Setenv("OPSBOT_TELEGRAM_TOKEN", "tg-env")

	cfg := applyEnv(&Config{})
	if cfg.LLM.APIKey != "sk-env" || cfg.Telegram.Token != "tg-env" {
		t.Errorf("env fallback not applied: %+v", cfg)
	}

	cfg = applyEnv(&Config{LLM: LLMConfig{APIKey: "sk-file"}})
	if cfg.LLM.APIKey != "sk-file" {
		t.Errorf("file value must win, got %q", cfg.LLM.APIKey)
	}
}
