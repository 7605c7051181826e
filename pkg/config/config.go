package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config is the process configuration shared by every forged binary. It is loaded once in main
// and handed to constructors; components never read the environment themselves.
type Config struct {
	Addr              string        `env:"ADDR,default=:8080"`
	SubmissionSecret  string        `env:"SUBMISSION_SECRET"`
	StagingDir        string        `env:"STAGING_DIR,default=./generated_app"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT,default=15m"`
	StrictStatusCodes bool          `env:"STRICT_STATUS_CODES,default=false"`
	AllowedOrigins    []string      `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimitPerMin   int           `env:"RATE_LIMIT_PER_MINUTE,default=60"`
	NATSURL           string        `env:"NATS_URL"`
	DBDSN             string        `env:"DB_DSN"`
	OTLPEndpoint      string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	LLM    LLMConfig    `env:",prefix=LLM_"`
	GitHub GitHubConfig `env:",prefix=GITHUB_"`
	Git    GitConfig    `env:",prefix=GIT_"`
	Notify NotifyConfig `env:",prefix=NOTIFY_"`
	Steps  StepConfig
	S3     S3Config     `env:",prefix=S3_"`
	Age    AgeConfig    `env:",prefix=AGE_"`
	Log    LogConfig    `env:",prefix=LOG_"`
}

// LLMConfig points at the OpenAI-compatible chat completions backend. URL and key are checked
// per request, not at startup.
type LLMConfig struct {
	APIURL      string        `env:"API_URL"`
	APIKey      string        `env:"API_KEY"`
	Model       string        `env:"MODEL,default=gpt-4o-mini"`
	Temperature float64       `env:"TEMPERATURE,default=0.4"`
	Timeout     time.Duration `env:"TIMEOUT,default=120s"`
}

type GitHubConfig struct {
	Token    string  `env:"TOKEN"`
	Username string  `env:"USERNAME"`
	APIURL   string  `env:"API_URL"`
	RPS      float64 `env:"RPS,default=5"`
	Burst    int     `env:"BURST,default=5"`
}

type GitConfig struct {
	AuthorName  string `env:"AUTHOR_NAME,default=forged"`
	AuthorEmail string `env:"AUTHOR_EMAIL,default=forged@users.noreply.github.com"`
}

// NotifyConfig parametrizes the evaluation callback retry schedule. The defaults reproduce the
// fixed 1s, 2s, 4s, 8s schedule.
type NotifyConfig struct {
	BaseDelay   time.Duration `env:"BASE_DELAY,default=1s"`
	MaxAttempts int           `env:"MAX_ATTEMPTS,default=4"`
	Jitter      bool          `env:"JITTER,default=false"`
	Timeout     time.Duration `env:"TIMEOUT,default=15s"`
}

type StepConfig struct {
	Synthesis   time.Duration `env:"SYNTH_STEP_TIMEOUT,default=3m"`
	Publication time.Duration `env:"PUBLISH_STEP_TIMEOUT,default=5m"`
}

type S3Config struct {
	Endpoint       string `env:"ENDPOINT"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	Region         string `env:"REGION,default=us-east-1"`
	Bucket         string `env:"BUCKET"`
	DisableTLS     bool   `env:"DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE,default=true"`
}

type AgeConfig struct {
	SecretKey string `env:"SECRET_KEY"`
	PublicKey string `env:"PUBLIC_KEY"`
}

type LogConfig struct {
	Level  string `env:"LEVEL,default=info"`
	Format string `env:"FORMAT,default=json"`
}

// Load reads an optional .env file and then populates a Config from the environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom populates a Config using the provided lookuper.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.StagingDir = strings.TrimSpace(c.StagingDir)
	c.GitHub.Username = strings.TrimSpace(c.GitHub.Username)
	c.LLM.APIURL = strings.TrimSpace(c.LLM.APIURL)
	c.S3.Bucket = strings.TrimSpace(c.S3.Bucket)
	if c.Notify.MaxAttempts <= 0 {
		c.Notify.MaxAttempts = 4
	}
	if c.Notify.BaseDelay <= 0 {
		c.Notify.BaseDelay = time.Second
	}
}

// ValidateServer checks the settings the submission server cannot start without.
func (c Config) ValidateServer() error {
	var errs []error
	if c.SubmissionSecret == "" {
		errs = append(errs, errors.New("SUBMISSION_SECRET is required"))
	}
	if c.GitHub.Token == "" {
		errs = append(errs, errors.New("GITHUB_TOKEN is required"))
	}
	if c.GitHub.Username == "" {
		errs = append(errs, errors.New("GITHUB_USERNAME is required"))
	}
	if c.StagingDir == "" {
		errs = append(errs, errors.New("STAGING_DIR must not be empty"))
	}
	if c.GitHub.RPS <= 0 {
		errs = append(errs, fmt.Errorf("GITHUB_RPS must be positive, got %v", c.GitHub.RPS))
	}
	return errors.Join(errs...)
}

// ValidateArchive checks the settings the archiver needs.
func (c Config) ValidateArchive() error {
	var errs []error
	if c.NATSURL == "" {
		errs = append(errs, errors.New("NATS_URL is required"))
	}
	if c.S3.Endpoint == "" {
		errs = append(errs, errors.New("S3_ENDPOINT is required"))
	}
	if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
		errs = append(errs, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required"))
	}
	if c.S3.Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET is required"))
	}
	if c.Age.SecretKey == "" {
		errs = append(errs, errors.New("AGE_SECRET_KEY is required"))
	}
	return errors.Join(errs...)
}
