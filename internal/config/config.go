package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings holds every runtime knob, resolved once at startup from AGENT_*
// environment variables. The struct is passed by value after Load so nothing
// downstream can mutate shared configuration.
type Settings struct {
	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Providers
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	DefaultProvider  string
	DefaultModel     string

	// Budgets (USD)
	MaxConversationCost float64
	MaxTotalCost        float64

	// Documents
	UploadDir       string
	QdrantURL       string
	QdrantColl      string
	EmbedDimensions int

	// Auth
	JWTSecret    string
	JWTAlgorithm string
	JWTExpiry    time.Duration

	// Rate limiting
	RateLimitBucket int
	RateLimitWindow time.Duration

	// Streaming
	StreamLeaseTTL       time.Duration
	MaxConcurrentStreams int

	// HTTP
	ListenAddr  string
	CORSOrigins []string

	// Timeouts
	LLMTimeout  time.Duration
	DBTimeout   time.Duration
	ToolTimeout time.Duration

	// Observability
	LogPath      string
	LogLevel     string
	OTELEndpoint string
	Environment  string
}

// Load resolves Settings from the environment. A .env file in the working
// directory is overloaded first, matching local development workflow.
func Load() (Settings, error) {
	_ = godotenv.Overload()

	s := Settings{
		DatabaseURL:      getenv("AGENT_DATABASE_URL", ""),
		RedisURL:         getenv("AGENT_REDIS_URL", "redis://localhost:6379/0"),
		AnthropicAPIKey:  getenv("AGENT_ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getenv("AGENT_ANTHROPIC_BASE_URL", ""),
		OpenAIAPIKey:     getenv("AGENT_OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getenv("AGENT_OPENAI_BASE_URL", ""),
		DefaultProvider:  getenv("AGENT_DEFAULT_PROVIDER", "anthropic"),
		DefaultModel:     getenv("AGENT_DEFAULT_MODEL", "claude-sonnet-4-20250514"),

		UploadDir:       getenv("AGENT_UPLOAD_DIR", "./uploads"),
		QdrantURL:       getenv("AGENT_QDRANT_URL", ""),
		QdrantColl:      getenv("AGENT_QDRANT_COLLECTION", "conduit_chunks"),
		EmbedDimensions: getint("AGENT_EMBED_DIMENSIONS", 1536),

		JWTSecret:    getenv("AGENT_JWT_SECRET", ""),
		JWTAlgorithm: getenv("AGENT_JWT_ALGORITHM", "HS256"),

		RateLimitBucket: getint("AGENT_RATE_LIMIT_BUCKET", 60),

		MaxConcurrentStreams: getint("AGENT_MAX_CONCURRENT_STREAMS", 128),

		ListenAddr: getenv("AGENT_LISTEN_ADDR", ":8080"),

		LogPath:      getenv("AGENT_LOG_PATH", ""),
		LogLevel:     getenv("AGENT_LOG_LEVEL", "info"),
		OTELEndpoint: getenv("AGENT_OTEL_ENDPOINT", ""),
		Environment:  getenv("AGENT_ENVIRONMENT", "dev"),
	}

	s.MaxConversationCost = getfloat("AGENT_MAX_CONVERSATION_COST", 0)
	s.MaxTotalCost = getfloat("AGENT_MAX_TOTAL_COST", 0)

	s.JWTExpiry = getdur("AGENT_JWT_EXPIRY", 24*time.Hour)
	s.RateLimitWindow = getdur("AGENT_RATE_LIMIT_WINDOW", time.Minute)
	s.StreamLeaseTTL = getdur("AGENT_STREAM_LEASE_TTL", 5*time.Minute)
	s.LLMTimeout = getdur("AGENT_LLM_TIMEOUT", 120*time.Second)
	s.DBTimeout = getdur("AGENT_DB_TIMEOUT", 60*time.Second)
	s.ToolTimeout = getdur("AGENT_TOOL_TIMEOUT", 30*time.Second)

	if v := getenv("AGENT_CORS_ORIGINS", ""); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.CORSOrigins = append(s.CORSOrigins, o)
			}
		}
	}

	if s.DatabaseURL == "" {
		if host := getenv("AGENT_DATABASE_HOST", ""); host != "" {
			s.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
				getenv("AGENT_DATABASE_USER", "postgres"),
				getenv("AGENT_DATABASE_PASSWORD", ""),
				host,
				getint("AGENT_DATABASE_PORT", 5432),
				getenv("AGENT_DATABASE_NAME", "conduit"),
			)
		}
	}

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if s.AnthropicAPIKey == "" && s.OpenAIAPIKey == "" {
		return fmt.Errorf("config: at least one provider API key is required (AGENT_ANTHROPIC_API_KEY or AGENT_OPENAI_API_KEY)")
	}
	if s.JWTSecret == "" {
		return fmt.Errorf("config: AGENT_JWT_SECRET is required")
	}
	if alg := strings.ToUpper(s.JWTAlgorithm); alg != "HS256" && alg != "HS384" && alg != "HS512" {
		return fmt.Errorf("config: unsupported JWT algorithm %q", s.JWTAlgorithm)
	}
	return nil
}

// Bool reports whether an AGENT_* variable is truthy. Accepts true/1/yes.
func Bool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "true" || v == "1" || v == "yes"
}

func getenv(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func getint(name string, def int) int {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(name string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getdur(name string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare numbers are seconds
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
