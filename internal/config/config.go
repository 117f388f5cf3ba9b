package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config holds server configuration
type Config struct {
	// MariaDB接続設定
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// サーバー設定
	ServerPort string
	Env        string

	// CORS設定
	AllowedOrigins []string

	// 認証トークン (token -> user ID)
	AuthTokens map[string]string

	// ルーム削除 (モデレーション) を許可するユーザー
	AdminUsers []string
}

// ClientConfig holds chat client configuration
type ClientConfig struct {
	APIURL   string
	WSURL    string
	Token    string
	ViewerID string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	TypingWindow     time.Duration
}

// Load loads server configuration from environment variables
func Load() Config {
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "3306"
	}

	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	env := os.Getenv("ENV")
	if env == "" {
		env = "development"
	}

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000,http://127.0.0.1:3000"
	}

	cfg := Config{
		DBHost:         dbHost,
		DBPort:         dbPort,
		DBUser:         dbUser,
		DBPassword:     dbPassword,
		DBName:         dbName,
		ServerPort:     serverPort,
		Env:            env,
		AllowedOrigins: splitList(allowedOrigins),
		AuthTokens:     parseTokens(os.Getenv("AUTH_TOKENS")),
		AdminUsers:     splitList(os.Getenv("ADMIN_USERS")),
	}

	return cfg
}

// UseDatabase reports whether a MariaDB connection is configured
func (c Config) UseDatabase() bool {
	return c.DBHost != ""
}

// IsDevelopment reports whether the server runs with development defaults
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Validate reports every configuration problem at once
func (c Config) Validate() error {
	var result *multierror.Error

	if c.ServerPort == "" {
		result = multierror.Append(result, fmt.Errorf("SERVER_PORT is empty"))
	}
	if c.UseDatabase() {
		if c.DBUser == "" {
			result = multierror.Append(result, fmt.Errorf("DB_USER is required when DB_HOST is set"))
		}
		if c.DBName == "" {
			result = multierror.Append(result, fmt.Errorf("DB_NAME is required when DB_HOST is set"))
		}
	} else if !c.IsDevelopment() {
		result = multierror.Append(result, fmt.Errorf("DB_HOST is required outside development"))
	}
	if len(c.AuthTokens) == 0 && !c.IsDevelopment() {
		result = multierror.Append(result, fmt.Errorf("AUTH_TOKENS is required outside development"))
	}

	return result.ErrorOrNil()
}

// LoadClient loads chat client configuration from environment variables
func LoadClient() ClientConfig {
	apiURL := os.Getenv("CHAT_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}

	wsURL := os.Getenv("CHAT_WS_URL")
	if wsURL == "" {
		wsURL = strings.Replace(apiURL, "http", "ws", 1) + "/ws"
	}

	return ClientConfig{
		APIURL:           apiURL,
		WSURL:            wsURL,
		Token:            os.Getenv("CHAT_TOKEN"),
		ViewerID:         os.Getenv("CHAT_USER_ID"),
		ReconnectInitial: durationEnv("CHAT_RECONNECT_INITIAL", 500*time.Millisecond),
		ReconnectMax:     durationEnv("CHAT_RECONNECT_MAX", 30*time.Second),
		TypingWindow:     durationEnv("CHAT_TYPING_WINDOW", 2*time.Second),
	}
}

// Validate reports every client configuration problem at once
func (c ClientConfig) Validate() error {
	var result *multierror.Error

	if c.Token == "" {
		result = multierror.Append(result, fmt.Errorf("CHAT_TOKEN is required"))
	}
	if c.ViewerID == "" {
		result = multierror.Append(result, fmt.Errorf("CHAT_USER_ID is required"))
	}
	if c.ReconnectMax < c.ReconnectInitial {
		result = multierror.Append(result, fmt.Errorf("CHAT_RECONNECT_MAX (%s) is below CHAT_RECONNECT_INITIAL (%s)", c.ReconnectMax, c.ReconnectInitial))
	}

	return result.ErrorOrNil()
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTokens parses "token:userID,token:userID"
func parseTokens(s string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range splitList(s) {
		token, userID, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		token, userID = strings.TrimSpace(token), strings.TrimSpace(userID)
		if token != "" && userID != "" {
			tokens[token] = userID
		}
	}
	return tokens
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
