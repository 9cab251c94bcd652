package config

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration, stored at ~/.opsbot/config.yaml.
// Everything has a working default except the LLM api key and the Telegram
// token, which come from either the file or the environment.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Telegram TelegramConfig `yaml:"telegram"`
	LLM      LLMConfig      `yaml:"llm"`
	SSH      SSHConfig      `yaml:"ssh"`
	HITL     HITLConfig     `yaml:"hitl"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type AuthConfig struct {
	PasswordHash string `yaml:"password_hash"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
	// AllowedChatIDs restricts who may talk to the bot. Empty means the bot
	// refuses everyone, which is the safe default for a server-admin bot.
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`
}

type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type SSHConfig struct {
	KnownHostsPath string `yaml:"known_hosts_path"`
	InsecureHosts  bool   `yaml:"insecure_hosts"`
	// Timeouts are whole seconds; zero falls back to the executor defaults.
	DialTimeoutSecs    int `yaml:"dial_timeout_secs"`
	CommandTimeoutSecs int `yaml:"command_timeout_secs"`
}

// HITLConfig tunes how long approval requests stay open and what happens when
// nobody answers. Zero and empty values fall back to the runner defaults.
type HITLConfig struct {
	PermissionTimeoutSecs int `yaml:"permission_timeout_secs"`
	QuestionTimeoutSecs   int `yaml:"question_timeout_secs"`
	PlanTimeoutSecs       int `yaml:"plan_timeout_secs"`
	// "continue" or "abort".
	OnUnansweredQuestion string `yaml:"on_unanswered_question"`
	OnUnansweredPlan     string `yaml:"on_unanswered_plan"`
}

// Store loads and saves the config file. Reads and writes are serialized so
// concurrent password changes do not clobber the telegram settings.
type Store struct {
	mu   sync.Mutex
	path string
}

func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".opsbot", "config.yaml")
}

func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path}
}

// Load reads the config file. A missing file yields an empty config so first
// runs work without any setup.
func (s *Store) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnv(&Config{}), nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return applyEnv(&cfg), nil
}

func (s *Store) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

func (s *Store) save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// Update applies fn to the current config under the store lock and writes the
// result back.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.load()
	if err != nil {
		return err
	}
	fn(cfg)
	return s.save(cfg)
}

// applyEnv lets secrets come from the environment so they stay out of the
// config file on shared machines. File values win when both are set.
func applyEnv(cfg *Config) *Config {
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPSBOT_LLM_API_KEY")
	}
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv("OPSBOT_TELEGRAM_TOKEN")
	}
	return cfg
}
