package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	LogLevel string // debug|info|warn|error
	LogDev   bool

	// Trust store: memory|sqlite|postgres
	DBDriver string
	DBDSN    string

	// Seed file with a JSON array of platform trust configs, loaded at start.
	PlatformsFile string

	// Pending auth state: memory|sql|redis
	PendingDriver      string
	PendingTTL         time.Duration
	PendingSweepEvery  time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisPrefix        string
	ShutdownGrace      time.Duration
	RequestTimeout     time.Duration
	CORSOrigins        []string
	AdminUser          string
	AdminPassHash      string // bcrypt; empty disables /admin
	EnableMetrics      bool
	MetricsNamespace   string
	ToolKeyPath        string // PEM; empty generates a key at start
	ToolKeyID          string // empty derives the RFC 7638 thumbprint
	JWKSMaxAge         time.Duration
	Algorithms         []string
	ClockSkew          time.Duration
	MaxTokenAge        time.Duration
	KeySetTTL          time.Duration
	KeySetMinRefresh   time.Duration
	KeySetFetchTimeout time.Duration

	// Accept hosted Canvas issuers that have no trust record, with any client_id.
	CanvasAllowUnregistered bool

	// Dynamic registration
	RegistrationTimeout time.Duration
	RegistrationTwoWay  bool
	ToolName            string
	ToolDescription     string
	ToolLogoURI         string
	ToolScopes          []string
	ToolClaims          []string
	ToolPrivacyLevel    string
	ToolPlacements      []string

	// values that were set but did not parse; reported by Validate
	parseErrs []error
}

const defaultScopes = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem," +
	"https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly," +
	"https://purl.imsglobal.org/spec/lti-ags/scope/score," +
	"https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	var perr []error
	c := Config{
		HTTPAddr:  addr,
		PublicURL: strings.TrimSuffix(envOr("PUBLIC_URL", "http://localhost:8080"), "/"),

		LogLevel: envOr("LOG_LEVEL", "info"),
		LogDev:   envBool("LOG_DEV", false),

		DBDriver:      envOr("DB_DRIVER", "sqlite"),
		DBDSN:         envOr("DB_DSN", ""),
		PlatformsFile: envOr("LTI_PLATFORMS_FILE", ""),

		PendingDriver:     envOr("LTI_PENDING_DRIVER", "sql"),
		PendingTTL:        envDuration("LTI_PENDING_TTL", 10*time.Minute, &perr),
		PendingSweepEvery: envDuration("LTI_PENDING_SWEEP", time.Minute, &perr),
		RedisAddr:         envOr("REDIS_ADDR", ""),
		RedisPassword:     envOr("REDIS_PASSWORD", ""),
		RedisDB:           envInt("REDIS_DB", 0, &perr),
		RedisPrefix:       envOr("REDIS_PREFIX", "lti:pending:"),

		ShutdownGrace:  envDuration("SHUTDOWN_GRACE", 10*time.Second, &perr),
		RequestTimeout: envDuration("REQUEST_TIMEOUT", 30*time.Second, &perr),
		CORSOrigins:    csvOr("CORS_ORIGINS", "*"),
		AdminUser:      envOr("ADMIN_USER", "admin"),
		AdminPassHash:  envOr("ADMIN_PASS_HASH", ""),

		EnableMetrics:    envBool("ENABLE_METRICS", true),
		MetricsNamespace: envOr("METRICS_NAMESPACE", "lti_tool"),

		ToolKeyPath: envOr("LTI_TOOL_KEY_PATH", ""),
		ToolKeyID:   envOr("LTI_TOOL_KEY_ID", ""),
		JWKSMaxAge:  envDuration("LTI_JWKS_MAX_AGE", 10*time.Minute, &perr),

		Algorithms:         csvOr("LTI_ALGORITHMS", "RS256"),
		ClockSkew:          envDuration("LTI_CLOCK_SKEW", 30*time.Second, &perr),
		MaxTokenAge:        envDuration("LTI_MAX_TOKEN_AGE", 5*time.Minute, &perr),
		KeySetTTL:          envDuration("LTI_KEYSET_TTL", 15*time.Minute, &perr),
		KeySetMinRefresh:   envDuration("LTI_KEYSET_MIN_REFRESH", 30*time.Second, &perr),
		KeySetFetchTimeout: envDuration("LTI_KEYSET_FETCH_TIMEOUT", 5*time.Second, &perr),

		CanvasAllowUnregistered: envBool("LTI_CANVAS_ALLOW_UNREGISTERED", false),

		RegistrationTimeout: envDuration("LTI_REGISTRATION_TIMEOUT", 10*time.Second, &perr),
		RegistrationTwoWay:  envBool("LTI_REGISTRATION_TWO_WAY", true),
		ToolName:            envOr("LTI_TOOL_NAME", "MindEngage"),
		ToolDescription:     envOr("LTI_TOOL_DESCRIPTION", "MindEngage assessments"),
		ToolLogoURI:         envOr("LTI_TOOL_LOGO_URI", ""),
		ToolScopes:          csvOr("LTI_TOOL_SCOPES", defaultScopes),
		ToolClaims:          csvOr("LTI_TOOL_CLAIMS", "iss,sub,name,given_name,family_name,email"),
		ToolPrivacyLevel:    envOr("LTI_TOOL_PRIVACY_LEVEL", "public"),
		ToolPlacements:      csvOr("LTI_TOOL_PLACEMENTS", "course_navigation"),
	}
	c.parseErrs = perr
	return c
}

// URL joins path onto the public base URL.
func (c Config) URL(path string) string {
	return c.PublicURL + path
}

func (c Config) LoginURL() string    { return c.URL("/lti/login") }
func (c Config) LaunchURL() string   { return c.URL("/lti/launch") }
func (c Config) JWKSURL() string     { return c.URL("/.well-known/jwks.json") }
func (c Config) RegisterURL() string { return c.URL("/lti/register") }

// AdminEnabled reports whether the /admin routes are mounted.
func (c Config) AdminEnabled() bool { return c.AdminPassHash != "" }

// Validate fails fast on settings the server cannot start with.
func (c Config) Validate() error {
	errs := append([]error(nil), c.parseErrs...)
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if u, err := url.Parse(c.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("PUBLIC_URL must be an absolute http(s) URL, got %q", c.PublicURL)
	}
	switch c.DBDriver {
	case "memory", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg", "pgx":
		if c.DBDSN == "" {
			add("DB_DSN is required for DB_DRIVER=%s", c.DBDriver)
		}
	default:
		add("DB_DRIVER %q: want memory|sqlite|postgres", c.DBDriver)
	}
	switch c.PendingDriver {
	case "memory":
	case "sql":
		if c.DBDriver == "memory" {
			add("LTI_PENDING_DRIVER=sql needs a SQL DB_DRIVER")
		}
	case "redis":
		if c.RedisAddr == "" {
			add("REDIS_ADDR is required for LTI_PENDING_DRIVER=redis")
		}
	default:
		add("LTI_PENDING_DRIVER %q: want memory|sql|redis", c.PendingDriver)
	}
	if c.PendingTTL <= 0 {
		add("LTI_PENDING_TTL must be positive")
	}
	if c.AdminPassHash != "" {
		if _, err := bcrypt.Cost([]byte(c.AdminPassHash)); err != nil {
			add("ADMIN_PASS_HASH is not a bcrypt hash: %v", err)
		}
	}
	if len(c.Algorithms) == 0 {
		add("LTI_ALGORITHMS must not be empty")
	}
	if slices.ContainsFunc(c.Algorithms, func(a string) bool { return strings.EqualFold(a, "none") }) {
		add("LTI_ALGORITHMS must not contain none")
	}
	if c.ClockSkew < 0 || c.MaxTokenAge < 0 {
		add("LTI_CLOCK_SKEW and LTI_MAX_TOKEN_AGE must not be negative")
	}
	if strings.TrimSpace(c.ToolName) == "" {
		add("LTI_TOOL_NAME must not be empty")
	}
	return errors.Join(errs...)
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}
func envInt(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}
func envDuration(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}
func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
