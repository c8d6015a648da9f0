package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Global is ~/.wppcrm/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Duration is a time.Duration written as "60s" or "5m" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Viewer holds the signed-in agent's identity and admission preferences.
type Viewer struct {
	UserID                int64  `toml:"user_id"`
	RestrictContactType   bool   `toml:"restrict_contact_type"`
	ContactTypePreference string `toml:"contact_type_preference" validate:"omitempty,oneof=ads all support"`
}

// Profile is the per-profile config.toml, with environment overrides applied.
type Profile struct {
	APIBaseURL           string   `toml:"api_base_url" env:"WPPCRM_API_BASE_URL" validate:"required,url"`
	RealtimeURL          string   `toml:"realtime_url" env:"WPPCRM_REALTIME_URL" validate:"required,url"`
	RealtimeNamespace    string   `toml:"realtime_namespace" validate:"excludesall=?#"`
	PageSize             int      `toml:"page_size" validate:"gt=0,lte=200"`
	MessagePageSize      int      `toml:"message_page_size" validate:"gt=0,lte=500"`
	PollInterval         Duration `toml:"poll_interval" validate:"gt=0"`
	MessageTTL           Duration `toml:"message_ttl" validate:"gt=0"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts" validate:"gt=0"`
	ReconnectDelay       Duration `toml:"reconnect_delay" validate:"gte=0"`
	HandshakeTimeout     Duration `toml:"handshake_timeout" validate:"gt=0"`
	DraftDebounce        Duration `toml:"draft_debounce" validate:"gt=0"`
	Viewer               Viewer   `toml:"viewer"`

	// Token comes from WPPCRM_TOKEN or the profile database, never from the TOML file.
	Token string `toml:"-" env:"WPPCRM_TOKEN"`
}

// Defaults returns a profile with every tunable at its default.
func Defaults() Profile {
	return Profile{
		RealtimeNamespace:    "chat",
		PageSize:             20,
		MessagePageSize:      50,
		PollInterval:         Duration{60 * time.Second},
		MessageTTL:           Duration{5 * time.Minute},
		MaxReconnectAttempts: 5,
		ReconnectDelay:       Duration{3 * time.Second},
		HandshakeTimeout:     Duration{10 * time.Second},
		DraftDebounce:        Duration{500 * time.Millisecond},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		return int64(f.Interface().(Duration).Duration)
	}, Duration{})
	return v
}

// Validate checks the profile's field constraints.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid profile config: %w", err)
	}
	return nil
}

// Load reads the global config from path.
func Load(path string) (*Global, error) {
	var cfg Global
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the global config to path.
func Save(path string, cfg *Global) error {
	return writeTOML(path, cfg)
}

// LoadProfile reads <dir>/config.toml over the defaults, then applies
// <dir>/.env and the process environment (process wins), then validates.
// A missing config.toml is not an error as long as the environment supplies
// the required URLs.
func LoadProfile(dir string) (*Profile, error) {
	p := Defaults()
	if _, err := toml.DecodeFile(filepath.Join(dir, "config.toml"), &p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read profile config: %w", err)
	}
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	if err := env.Parse(&p); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile writes p to <dir>/config.toml.
func SaveProfile(dir string, p *Profile) error {
	return writeTOML(filepath.Join(dir, "config.toml"), p)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
