package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
)

const (
	ProviderGemini = "gemini"
	ProviderFake   = "fake"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	Artifact    ArtifactConfig
	LLM         LLMConfig
	Pipeline    PipelineConfig
	Session     SessionConfig
	FileCache   FileCacheConfig
	// SecurityRulesFile replaces the built-in rule pack when set.
	SecurityRulesFile string
}

type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// CanUseS3 reports whether enough is configured to build an S3 client.
func (a ArtifactConfig) CanUseS3() bool {
	return a.Enabled &&
		strings.TrimSpace(a.Endpoint) != "" &&
		strings.TrimSpace(a.AccessKey) != "" &&
		strings.TrimSpace(a.SecretKey) != "" &&
		strings.TrimSpace(a.Bucket) != ""
}

type LLMConfig struct {
	Provider string
	APIKey   string
	Model    string
	Timeout  time.Duration
	RPS      float64
	Burst    int
	Retry    RetryConfig
}

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

type PipelineConfig struct {
	MaxFixIterations int
	ClarifyTimeout   time.Duration
	ContextTokens    int
}

type SessionConfig struct {
	QueueSize int
}

type FileCacheConfig struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

// Load reads .env, then flags from args, then the environment. Environment
// values win over flags.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("codeforge", flag.ContinueOnError)
	port := fs.String("port", ":8081", "server port")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	cfg := &Config{
		Port:              *port,
		Env:               env,
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Artifact:          loadArtifactConfig(env),
		SecurityRulesFile: strings.TrimSpace(os.Getenv("SECURITY_RULES_FILE")),
	}
	var err error
	if cfg.LLM, err = loadLLMConfig(env); err != nil {
		return nil, err
	}
	if cfg.Pipeline, err = loadPipelineConfig(); err != nil {
		return nil, err
	}
	if cfg.Session.QueueSize, err = envInt("SESSION_QUEUE_SIZE", 8); err != nil {
		return nil, err
	}
	if cfg.FileCache, err = loadFileCacheConfig(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required),
		validation.Field(&c.Env, validation.Required),
	); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return validation.ValidateStruct(&c.Session,
		validation.Field(&c.Session.QueueSize, validation.Min(1), validation.Max(1024)),
	)
}

func (c *LLMConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In(ProviderGemini, ProviderFake)),
		validation.Field(&c.APIKey, validation.When(c.Provider == ProviderGemini, validation.Required)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.RPS, validation.Min(0.0)),
		validation.Field(&c.Burst, validation.Min(0)),
		validation.Field(&c.Retry),
	)
}

func (r RetryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxAttempts, validation.Min(1), validation.Max(10)),
		validation.Field(&r.Multiplier, validation.Min(1.0)),
	)
}

func (p *PipelineConfig) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.MaxFixIterations, validation.Min(0), validation.Max(20)),
		validation.Field(&p.ClarifyTimeout, validation.Min(time.Duration(0))),
		validation.Field(&p.ContextTokens, validation.Min(0)),
	)
}

func loadArtifactConfig(env string) ArtifactConfig {
	if isLocal(env) {
		return localArtifactConfig()
	}
	endpoint := strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT"))
	return ArtifactConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "codeforge-artifacts"),
		UseSSL:    resolveArtifactUseSSL(),
		URLExpiry: envDurationOr("ARTIFACT_URL_EXPIRY", time.Hour),
	}
}

func resolveArtifactUseSSL() bool {
	raw := strings.TrimSpace(os.Getenv("ARTIFACT_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func loadLLMConfig(env string) (LLMConfig, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))
	apiKey := firstNonEmpty(strings.TrimSpace(os.Getenv("GEMINI_API_KEY")), strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")))
	if provider == "" {
		provider = ProviderGemini
		if apiKey == "" && isLocal(env) {
			provider = ProviderFake
		}
	}
	out := LLMConfig{
		Provider: provider,
		APIKey:   apiKey,
		Model:    strings.TrimSpace(os.Getenv("GEMINI_MODEL")),
	}
	var err error
	if out.Timeout, err = envDuration("LLM_TIMEOUT", 90*time.Second); err != nil {
		return out, err
	}
	if out.RPS, err = envFloat("LLM_RPS", 0); err != nil {
		return out, err
	}
	if out.Burst, err = envInt("LLM_BURST", 1); err != nil {
		return out, err
	}
	if out.Retry.MaxAttempts, err = envInt("LLM_RETRY_MAX_ATTEMPTS", 3); err != nil {
		return out, err
	}
	if out.Retry.InitialDelay, err = envDuration("LLM_RETRY_INITIAL_DELAY", 500*time.Millisecond); err != nil {
		return out, err
	}
	if out.Retry.Multiplier, err = envFloat("LLM_RETRY_MULTIPLIER", 2); err != nil {
		return out, err
	}
	if out.Retry.MaxDelay, err = envDuration("LLM_RETRY_MAX_DELAY", 10*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func loadPipelineConfig() (PipelineConfig, error) {
	var out PipelineConfig
	var err error
	if out.MaxFixIterations, err = envInt("PIPELINE_MAX_FIX_ITERATIONS", 3); err != nil {
		return out, err
	}
	if out.ClarifyTimeout, err = envDuration("PIPELINE_CLARIFY_TIMEOUT", 0); err != nil {
		return out, err
	}
	if out.ContextTokens, err = envInt("PIPELINE_CONTEXT_TOKENS", 24000); err != nil {
		return out, err
	}
	return out, nil
}

func loadFileCacheConfig() (FileCacheConfig, error) {
	out := FileCacheConfig{Enabled: true}
	if raw := strings.TrimSpace(os.Getenv("FILESTORE_CACHE_ENABLED")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return out, fmt.Errorf("FILESTORE_CACHE_ENABLED: %w", err)
		}
		out.Enabled = v
	}
	var err error
	if out.TTL, err = envDuration("FILESTORE_CACHE_TTL", 2*time.Minute); err != nil {
		return out, err
	}
	if out.MaxEntries, err = envInt("FILESTORE_CACHE_MAX_ENTRIES", 2048); err != nil {
		return out, err
	}
	return out, nil
}

func isLocal(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "local")
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v, err := envDuration(key, def)
	if err != nil {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
