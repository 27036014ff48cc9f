package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type TokenPolicy string

const (
	TokenStrict     TokenPolicy = "strict"
	TokenPermissive TokenPolicy = "permissive"
)

// Config holds the gateway configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Webhook  WebhookConfig
	Session  SessionConfig
	LogLevel string
}

type ServerConfig struct {
	Port        string
	PublicDir   string
	RecentLimit int
}

type DatabaseConfig struct {
	URL string
}

// WebhookConfig covers both directions: inbound relay targets and the shared
// secret checked on the send endpoints.
type WebhookConfig struct {
	TestURL     string
	ProdURL     string
	Token       string
	TokenPolicy TokenPolicy
	Timeout     time.Duration
}

// SessionConfig locates the credential slot of the single device identity.
type SessionConfig struct {
	StoreDriver string // sqlite | postgres
	StoreDSN    string
	AuthDir     string
	ClientID    string
	CountryCode string
	ResetDelay  time.Duration
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("port", "3000")
	v.SetDefault("public_dir", "public")
	v.SetDefault("recent_limit", 100)
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "wagateway")
	v.SetDefault("db_name", "wagateway")
	v.SetDefault("webhook_token_policy", string(TokenStrict))
	v.SetDefault("webhook_timeout", "10s")
	v.SetDefault("auth_store_driver", "sqlite")
	v.SetDefault("auth_dir", ".wwebjs_auth")
	v.SetDefault("client_id", "wagateway")
	v.SetDefault("country_code", "62")
	v.SetDefault("session_reset_delay", "2s")
	v.SetDefault("log_level", "info")

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("port"),
			PublicDir:   v.GetString("public_dir"),
			RecentLimit: v.GetInt("recent_limit"),
		},
		Database: DatabaseConfig{URL: v.GetString("database_url")},
		Webhook: WebhookConfig{
			TestURL:     strings.TrimSpace(v.GetString("n8n_webhook_test")),
			ProdURL:     strings.TrimSpace(v.GetString("n8n_webhook_prod")),
			Token:       v.GetString("webhook_token"),
			TokenPolicy: TokenPolicy(strings.ToLower(v.GetString("webhook_token_policy"))),
			Timeout:     v.GetDuration("webhook_timeout"),
		},
		Session: SessionConfig{
			StoreDriver: strings.ToLower(v.GetString("auth_store_driver")),
			StoreDSN:    v.GetString("auth_store_dsn"),
			AuthDir:     v.GetString("auth_dir"),
			ClientID:    v.GetString("client_id"),
			CountryCode: v.GetString("country_code"),
			ResetDelay:  v.GetDuration("session_reset_delay"),
		},
		LogLevel: v.GetString("log_level"),
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = postgresURL(
			v.GetString("db_host"),
			v.GetString("db_port"),
			v.GetString("db_user"),
			v.GetString("db_pass"),
			v.GetString("db_name"),
		)
	}

	switch cfg.Webhook.TokenPolicy {
	case TokenStrict, TokenPermissive:
	default:
		return nil, fmt.Errorf("WEBHOOK_TOKEN_POLICY must be %q or %q, got %q", TokenStrict, TokenPermissive, cfg.Webhook.TokenPolicy)
	}

	switch cfg.Session.StoreDriver {
	case "sqlite":
		if cfg.Session.StoreDSN == "" {
			cfg.Session.StoreDSN = sqliteDSN(cfg.Session.AuthDir, cfg.Session.ClientID)
		}
	case "postgres":
		if cfg.Session.StoreDSN == "" {
			cfg.Session.StoreDSN = cfg.Database.URL
		}
	default:
		return nil, fmt.Errorf("AUTH_STORE_DRIVER must be sqlite or postgres, got %q", cfg.Session.StoreDriver)
	}

	if cfg.Server.RecentLimit <= 0 || cfg.Server.RecentLimit > 100 {
		cfg.Server.RecentLimit = 100
	}

	return cfg, nil
}

// SessionFile is the sqlite file holding the device credentials.
func (c SessionConfig) SessionFile() string {
	return filepath.Join(c.AuthDir, "session-"+c.ClientID+".db")
}

func sqliteDSN(dir, clientID string) string {
	path := SessionConfig{AuthDir: dir, ClientID: clientID}.SessionFile()
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
}

func postgresURL(host, port, user, pass, name string) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + name,
		RawQuery: "sslmode=disable",
	}
	if pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}
