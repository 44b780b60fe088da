package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/config"
)

// Keys stored in the settings table. The names are shared with the web UI.
const (
	KeyControllerIP   = "controller_ip"
	KeyTelnetPort     = "telnet_port"
	KeyAPIPort        = "api_port"
	KeyUsername       = "username"
	KeyPassword       = "password"
	KeyTelnetUsername = "telnet_username"
	KeyTelnetPassword = "telnet_password"
	KeyVerifySSL      = "verify_ssl"
	KeyCAFile         = "ca_file"
)

// ErrInvalidValue is returned when a stored value cannot be parsed.
var ErrInvalidValue = errors.New("invalid setting value")

// Store is a moip.SettingsSource backed by the settings table.
type Store struct {
	db       *sql.DB
	fallback moip.Settings
}

// NewStore creates a store that falls back to the given settings for keys
// the database does not hold.
func NewStore(db *sql.DB, fallback moip.Settings) *Store {
	return &Store{db: db, fallback: fallback}
}

// FromConfig converts the controller section of the configuration file.
func FromConfig(c config.ControllerConfig) moip.Settings {
	return moip.Settings{
		Host:       c.Host,
		TelnetPort: c.TelnetPort,
		APIPort:    c.APIPort,
		Telnet:     moip.Credentials{Username: c.Telnet.Username, Password: c.Telnet.Password},
		API:        moip.Credentials{Username: c.API.Username, Password: c.API.Password},
		VerifyTLS:  c.TLS.Verify,
		CAFile:     c.TLS.CAFile,
	}
}

// ControllerSettings implements moip.SettingsSource. It is called before
// every connection attempt, so edits made in the web UI apply on the next
// reconnect.
func (s *Store) ControllerSettings(ctx context.Context) (moip.Settings, error) {
	stored, err := s.All(ctx)
	if err != nil {
		return moip.Settings{}, err
	}

	out := s.fallback
	if v := stored[KeyControllerIP]; v != "" {
		out.Host = v
	}
	if out.TelnetPort, err = intSetting(stored, KeyTelnetPort, out.TelnetPort); err != nil {
		return moip.Settings{}, err
	}
	if out.APIPort, err = intSetting(stored, KeyAPIPort, out.APIPort); err != nil {
		return moip.Settings{}, err
	}
	if v := stored[KeyUsername]; v != "" {
		out.API.Username = v
	}
	if v := stored[KeyPassword]; v != "" {
		out.API.Password = v
	}
	if v := stored[KeyTelnetUsername]; v != "" {
		out.Telnet.Username = v
	}
	if v := stored[KeyTelnetPassword]; v != "" {
		out.Telnet.Password = v
	}
	if v := stored[KeyVerifySSL]; v != "" {
		out.VerifyTLS = strings.EqualFold(v, "true")
	}
	if v := stored[KeyCAFile]; v != "" {
		out.CAFile = v
	}

	if out.Host == "" {
		return moip.Settings{}, moip.ErrNotConfigured
	}
	return out, nil
}

func intSetting(stored map[string]string, key string, fallback int) (int, error) {
	v := stored[key]
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, v)
	}
	return n, nil
}

// All returns every stored key/value pair.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating settings: %w", err)
	}
	return out, nil
}

// Set stores one value, replacing any previous one.
func (s *Store) Set(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("storing setting %s: %w", key, err)
	}
	return nil
}
