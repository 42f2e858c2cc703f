package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// DefaultEnvFile is read when no other env file is supplied.
const DefaultEnvFile = ".env"

// RequiredVars must be present and non-empty before the config is built.
var RequiredVars = []string{
	"MONGO_URI",
	"LOGIN_CHANNEL_SECRET",
	"LOGIN_CHANNEL_ID",
	"MSG_CHANNEL_SECRET",
	"MSG_CHANNEL_ACCESS_TOKEN",
	"RENT_URL",
	"RENT_API_URL",
	"NOTIFY_CHANNEL_ID",
	"NOTIFY_CHANNEL_SECRET",
}

// Config is built once per process and never mutated afterwards.
type Config struct {
	Port          int    `envconfig:"PORT" default:"8000" validate:"gt=0,lte=65535"`
	AppURL        string `envconfig:"APP_URL" default:"http://localhost:8000" validate:"url"`
	MongoURI      string `envconfig:"MONGO_URI" validate:"startswith=mongodb://|startswith=mongodb+srv://"`
	MongoDatabase string `envconfig:"MONGO_DATABASE"`

	LoginChannelSecret    string `envconfig:"LOGIN_CHANNEL_SECRET"`
	LoginChannelID        string `envconfig:"LOGIN_CHANNEL_ID"`
	MsgChannelSecret      string `envconfig:"MSG_CHANNEL_SECRET"`
	MsgChannelAccessToken string `envconfig:"MSG_CHANNEL_ACCESS_TOKEN"`
	RentURL               string `envconfig:"RENT_URL"`
	RentAPIURL            string `envconfig:"RENT_API_URL"`
	NotifyChannelID       string `envconfig:"NOTIFY_CHANNEL_ID"`
	NotifyChannelSecret   string `envconfig:"NOTIFY_CHANNEL_SECRET"`

	LogLevel       string  `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogDevelopment bool    `envconfig:"LOG_DEVELOPMENT" default:"false"`
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"10" validate:"gte=0"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"20" validate:"gte=0"`
	CSRFEnabled    bool    `envconfig:"CSRF_ENABLED" default:"true"`

	SessionSecret     string        `envconfig:"SESSION_SECRET"`
	SessionCookieName string        `envconfig:"SESSION_COOKIE_NAME" default:"rentwatch_session"`
	SessionTTL        time.Duration `envconfig:"SESSION_TTL" default:"24h" validate:"gt=0"`
}

// ConfigurationError reports a missing or invalid environment setting.
type ConfigurationError struct {
	Message string
	// Missing lists every absent required variable, in RequiredVars order.
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

func newConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// Service hands out the process-wide Config. Construct one in main and pass
// it to whoever needs configuration.
type Service struct {
	envFile string
	logger  *zap.Logger

	mu  sync.Mutex
	cfg *Config
}

func NewService(envFile string, logger *zap.Logger) *Service {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{envFile: envFile, logger: logger.Named("config")}
}

// Get returns the validated Config, loading it on first use. A failed load
// caches nothing, so the next call starts over.
func (s *Service) Get() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg != nil {
		return s.cfg, nil
	}

	cfg, err := Load(s.envFile)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			s.logger.Error("configuration error", zap.String("reason", cfgErr.Message), zap.Strings("missing", cfgErr.Missing))
		}
		return nil, err
	}

	s.cfg = cfg
	s.logger.Info("config loaded", zap.Int("port", cfg.Port), zap.String("app_url", cfg.AppURL))
	return s.cfg, nil
}

// Load reads envFile into the process environment and builds a validated
// Config from it. Variables already present in the environment win.
func Load(envFile string) (*Config, error) {
	if _, err := godotenv.Read(envFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newConfigurationError("%s does not exist!", envFile)
		}
		return nil, newConfigurationError("environment variable loading failed: %v", err)
	}
	if err := godotenv.Load(envFile); err != nil {
		return nil, newConfigurationError("environment variable loading failed: %v", err)
	}

	if missing := missingRequired(); len(missing) > 0 {
		return nil, &ConfigurationError{
			Message: "Missing required environment variables: " + strings.Join(missing, ", "),
			Missing: missing,
		}
	}

	unsetBlankDefaults()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		var parseErr *envconfig.ParseError
		if errors.As(err, &parseErr) {
			return nil, fieldError(parseErr.KeyName, "")
		}
		return nil, newConfigurationError("environment variable loading failed: %v", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.SessionSecret == "" {
		cfg.SessionSecret = cfg.LoginChannelSecret
	}
	return &cfg, nil
}

func missingRequired() []string {
	var missing []string
	for _, name := range RequiredVars {
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// unsetBlankDefaults lets envconfig apply defaults to variables that are set
// but blank.
func unsetBlankDefaults() {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if _, ok := field.Tag.Lookup("default"); !ok {
			continue
		}
		key := field.Tag.Get("envconfig")
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) == "" {
			_ = os.Unsetenv(key)
		}
	}
}

var validate = newValidator()

func newValidator() func(*Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("envconfig")
	})

	return func(cfg *Config) error {
		err := v.Struct(cfg)
		if err == nil {
			return nil
		}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fieldError(fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return newConfigurationError("config validation failed: %v", err)
	}
}

func fieldError(key, tag string) *ConfigurationError {
	switch {
	case key == "PORT" && tag == "lte":
		return newConfigurationError("PORT must not exceed 65535")
	case key == "PORT":
		return newConfigurationError("PORT must be a valid number greater than 0")
	default:
		return newConfigurationError("%s is invalid", key)
	}
}
