package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the recipe reader gateway.
type Config struct {
	Environment    string
	HTTPPort       int
	DatabaseURL    string
	DataStore      string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
	FrontendURL    string
	ContactURL     string

	ExtractionAPIURL     string
	ExtractionAuthAPIURL string
	ExtractionAPIKey     string
	TextTimeout          time.Duration
	URLTimeout           time.Duration
	ImageTimeout         time.Duration

	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	JWTSecret        string
	AllowedEmails    []string
	AllowedDomains   []string

	QuotaDefaultLimit  int
	UploadMaxBytes     int64
	UploadMaxFiles     int
	UploadAllowPDF     bool
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
// for local development. A .env file in the working directory, or the file
// named by ENV_FILE, is loaded first without overriding the environment.
func Load() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	databaseURL, err := getEnvOrFile("DATABASE_URL", "/run/secrets/recipereader_database_url")
	if err != nil {
		return Config{}, err
	}
	clientSecret, err := getEnvOrFile("OIDC_CLIENT_SECRET", "/run/secrets/recipereader_oidc_client_secret")
	if err != nil {
		return Config{}, err
	}
	apiKey, err := getEnvOrFile("EXTRACTION_API_KEY", "/run/secrets/recipereader_extraction_api_key")
	if err != nil {
		return Config{}, err
	}
	jwtSecret, err := getEnvOrFile("JWT_SECRET", "/run/secrets/recipereader_jwt_secret")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL:          databaseURL,
		DataStore:            strings.ToLower(getEnv("DATA_STORE", "memory")),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(getEnv("LOG_FORMAT", "text")),
		AllowedOrigins:       parseCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:8080")),
		FrontendURL:          strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:5173"), "/"),
		ExtractionAPIURL:     strings.TrimRight(getEnv("EXTRACTION_API_URL", "http://localhost:8000"), "/"),
		ExtractionAuthAPIURL: strings.TrimRight(getEnv("EXTRACTION_AUTH_API_URL", ""), "/"),
		ExtractionAPIKey:     strings.TrimSpace(apiKey),
		OIDCIssuerURL:        getEnv("OIDC_ISSUER_URL", "https://accounts.google.com"),
		OIDCClientID:         strings.TrimSpace(os.Getenv("OIDC_CLIENT_ID")),
		OIDCClientSecret:     strings.TrimSpace(clientSecret),
		OIDCRedirectURL:      getEnv("OIDC_REDIRECT_URL", "http://localhost:8080/api/auth/google/callback"),
		JWTSecret:            strings.TrimSpace(jwtSecret),
		AllowedEmails:        parseCSV(strings.ToLower(os.Getenv("ALLOWED_EMAILS"))),
		AllowedDomains:       parseCSV(strings.ToLower(os.Getenv("ALLOWED_DOMAINS"))),
		UploadAllowPDF:       getEnv("UPLOAD_ALLOW_PDF", "false") == "true",
	}

	cfg.ContactURL = strings.TrimSpace(getEnv("CONTACT_URL", cfg.FrontendURL+"/contact"))

	cfg.Environment = strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if cfg.Environment == "" {
		cfg.Environment = "development"
		if cfg.OIDCClientID != "" {
			cfg.Environment = "production"
		}
	}

	if cfg.HTTPPort, err = getInt("PORT", getEnv("HTTP_PORT", "8080")); err != nil {
		return Config{}, err
	}
	if cfg.QuotaDefaultLimit, err = getPositiveInt("QUOTA_DEFAULT_LIMIT", "5"); err != nil {
		return Config{}, err
	}
	if cfg.UploadMaxFiles, err = getPositiveInt("UPLOAD_MAX_FILES", "10"); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPerMinute, err = getPositiveInt("RATE_LIMIT_PER_MINUTE", "20"); err != nil {
		return Config{}, err
	}
	maxBytes, err := getPositiveInt("UPLOAD_MAX_BYTES", strconv.Itoa(10<<20))
	if err != nil {
		return Config{}, err
	}
	cfg.UploadMaxBytes = int64(maxBytes)

	if cfg.TextTimeout, err = getDuration("EXTRACTION_TEXT_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.URLTimeout, err = getDuration("EXTRACTION_URL_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ImageTimeout, err = getDuration("EXTRACTION_IMAGE_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}

	if cfg.DataStore != "memory" && cfg.DataStore != "postgres" {
		return Config{}, fmt.Errorf("DATA_STORE must be memory or postgres, got %q", cfg.DataStore)
	}
	if cfg.DataStore == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATA_STORE is postgres but DATABASE_URL is not set")
	}

	if !cfg.IsDevelopment() {
		if err := cfg.validateProduction(); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func (c Config) validateProduction() error {
	if c.OIDCClientID == "" {
		return errors.New("OIDC_CLIENT_ID is required outside development")
	}
	if c.OIDCClientSecret == "" {
		return errors.New("OIDC_CLIENT_SECRET is required outside development")
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("ALLOWED_ORIGINS must define at least one origin outside development")
	}
	for _, origin := range c.AllowedOrigins {
		if strings.Contains(origin, "*") {
			return errors.New("ALLOWED_ORIGINS cannot contain wildcard origins outside development")
		}
	}
	if len(c.AllowedDomains) == 0 && len(c.AllowedEmails) == 0 {
		return errors.New("ALLOWED_DOMAINS or ALLOWED_EMAILS is required outside development")
	}
	return nil
}

// HTTPAddress returns the address the HTTP server should bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// UseInMemoryStore returns true if the in-memory repositories should be used.
func (c Config) UseInMemoryStore() bool {
	return c.DataStore == "memory"
}

// IsDevelopment reports whether the gateway runs in development mode.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// OAuthEnabled reports whether an identity provider is configured.
func (c Config) OAuthEnabled() bool {
	return c.OIDCClientID != "" && c.OIDCClientSecret != ""
}

// SecureCookies reports whether cookies should carry the Secure attribute.
func (c Config) SecureCookies() bool {
	return !c.IsDevelopment()
}

func loadDotEnv() error {
	path := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key, fallback string) (int, error) {
	value := getEnv(key, fallback)
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getPositiveInt(key, fallback string) (int, error) {
	n, err := getInt(key, fallback)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, value)
	}
	return d, nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrFile(key, defaultPath string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}

	fileKey := key + "_FILE"
	if path := os.Getenv(fileKey); path != "" {
		return readSecret(path, fileKey)
	}

	if defaultPath != "" {
		return readSecret(defaultPath, key)
	}

	return "", nil
}

func readSecret(path, name string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: reading %s (%s): %w", name, path, err)
	}

	value := strings.TrimSpace(string(contents))
	if value == "" {
		return "", fmt.Errorf("config: %s (%s) is empty", name, path)
	}
	return value, nil
}
