// Package config assembles the service configuration from defaults, an optional
// JSON file, environment variables and command line flags, in that order of
// increasing priority.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/caarlos0/env/v6"
	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the service.
type Config struct {
	RunAddr                  string        `env:"SERVER_ADDRESS" validate:"hostname_port"`
	PublicBaseURL            string        `env:"BASE_URL" validate:"url"`
	LogLevel                 string        `env:"LOG_LEVEL" validate:"loglevel"`
	DatabaseDSN              string        `env:"DATABASE_DSN"`
	DBFileName               string        `env:"FILE_STORAGE_PATH" validate:"omitempty,storagepath"`
	DBConnectionTimeout      time.Duration `env:"DB_CONNECTION_TIMEOUT" validate:"gt=0"`
	UploadDir                string        `env:"UPLOAD_DIR" validate:"required,storagepath"`
	StaticPath               string        `env:"STATIC_PATH" validate:"required,startswith=/"`
	JWTSigningKey            string        `env:"JWT_SIGNING_KEY" validate:"omitempty,base64key"`
	TokenTTL                 time.Duration `env:"TOKEN_TTL" validate:"gt=0"`
	MaxUploadSize            int64         `env:"MAX_UPLOAD_SIZE" validate:"gt=0"`
	TrustedSubnet            string        `env:"TRUSTED_SUBNET" validate:"omitempty,cidr"`
	TrustProxyHeaders        bool          `env:"TRUST_PROXY_HEADERS"`
	BlobRemoverQueueCapacity int           `env:"BLOB_REMOVER_QUEUE_CAPACITY" validate:"gt=0"`
	BlobRemoverRetryInterval time.Duration `env:"BLOB_REMOVER_RETRY_INTERVAL" validate:"gt=0"`
	OrphanSweepInterval      time.Duration `env:"ORPHAN_SWEEP_INTERVAL" validate:"gte=0"`
	OrphanGracePeriod        time.Duration `env:"ORPHAN_GRACE_PERIOD" validate:"gte=0"`
	ConfigFile               string        `env:"CONFIG"`

	// GeneratedSigningKey is set when no JWT_SIGNING_KEY was configured and a
	// random one was made up for this process. Tokens then die with it.
	GeneratedSigningKey bool
}

// jsonConfig mirrors the subset of Config accepted from the JSON file.
// Durations are written as Go duration strings ("90s", "1h").
type jsonConfig struct {
	RunAddr             string `json:"server_address"`
	PublicBaseURL       string `json:"base_url"`
	LogLevel            string `json:"log_level"`
	DatabaseDSN         string `json:"database_dsn"`
	DBFileName          string `json:"file_storage_path"`
	UploadDir           string `json:"upload_dir"`
	StaticPath          string `json:"static_path"`
	JWTSigningKey       string `json:"jwt_signing_key"`
	TokenTTL            string `json:"token_ttl"`
	MaxUploadSize       int64  `json:"max_upload_size"`
	TrustedSubnet       string `json:"trusted_subnet"`
	OrphanSweepInterval string `json:"orphan_sweep_interval"`
}

const generatedKeySize = 32

var defaultConfig = Config{
	RunAddr:                  ":8000",
	PublicBaseURL:            "http://127.0.0.1:8000",
	LogLevel:                 "info",
	DatabaseDSN:              "",
	DBFileName:               "gram.db",
	DBConnectionTimeout:      10 * time.Second,
	UploadDir:                "uploads",
	StaticPath:               "/static",
	JWTSigningKey:            "",
	TokenTTL:                 time.Hour,
	MaxUploadSize:            32 << 20,
	TrustedSubnet:            "",
	TrustProxyHeaders:        false,
	BlobRemoverQueueCapacity: 1024,
	BlobRemoverRetryInterval: 10 * time.Second,
	OrphanSweepInterval:      0,
	OrphanGracePeriod:        time.Hour,
}

// InitOption tweaks how New collects configuration.
type InitOption func(*initOptions)

type initOptions struct {
	disableFlagsParsing bool
	args                []string
}

// WithDisableFlagsParsing skips the command line entirely. Tests use it
// because `go test` owns os.Args.
func WithDisableFlagsParsing(disableFlagsParsing bool) InitOption {
	return func(options *initOptions) {
		options.disableFlagsParsing = disableFlagsParsing
	}
}

// WithArgs parses the given arguments instead of os.Args[1:].
func WithArgs(args []string) InitOption {
	return func(options *initOptions) {
		options.args = args
	}
}

// New builds the configuration. Priority: flags > env > JSON file > defaults.
func New(optionsProto ...InitOption) (*Config, error) {
	options := &initOptions{
		disableFlagsParsing: false,
		args:                nil,
	}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}
	if options.args == nil && len(os.Args) > 1 {
		options.args = os.Args[1:]
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Unable to load .env file: %v", err)
	}

	values := &Config{}
	applyDefaults(values, defaultConfig)

	var fromFlags *Config
	var setFlags map[string]bool
	if !options.disableFlagsParsing {
		var err error
		fromFlags, setFlags, err = parseFlags(options.args)
		if err != nil {
			return nil, err
		}
	}

	configFile := os.Getenv("CONFIG")
	if setFlags["c"] {
		configFile = fromFlags.ConfigFile
	}
	if configFile != "" {
		if err := values.loadJSON(configFile); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(values); err != nil {
		return nil, fmt.Errorf("in internal/config/config.go/New(): error while `env.Parse()` calling: %w", err)
	}

	if fromFlags != nil {
		values.applyFlags(fromFlags, setFlags)
	}

	values.normalize()

	if err := values.validate(); err != nil {
		return nil, err
	}

	if values.JWTSigningKey == "" {
		if err := values.generateSigningKey(); err != nil {
			return nil, err
		}
	}

	return values, nil
}

// SigningKey returns the decoded JWT signing key.
func (c *Config) SigningKey() ([]byte, error) {
	return base64.URLEncoding.DecodeString(c.JWTSigningKey)
}

func (c *Config) generateSigningKey() error {
	key := make([]byte, generatedKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("in internal/config/config.go/generateSigningKey(): error while `rand.Read()` calling: %w", err)
	}
	c.JWTSigningKey = base64.URLEncoding.EncodeToString(key)
	c.GeneratedSigningKey = true

	return nil
}

func applyDefaults(values *Config, defaults Config) {
	*values = defaults
}

func parseFlags(args []string) (*Config, map[string]bool, error) {
	parsed := &Config{}
	fs := flag.NewFlagSet("gram", flag.ContinueOnError)
	fs.StringVar(&parsed.RunAddr, "a", "", "address and port to run server")
	fs.StringVar(&parsed.PublicBaseURL, "b", "", "public base address used to build post URLs")
	fs.StringVar(&parsed.LogLevel, "l", "", "logger level")
	fs.StringVar(&parsed.DatabaseDSN, "d", "", "Postgres connection string")
	fs.StringVar(&parsed.DBFileName, "f", "", "SQLite database file")
	fs.StringVar(&parsed.UploadDir, "u", "", "directory for uploaded files")
	fs.StringVar(&parsed.TrustedSubnet, "t", "", "CIDR allowed to read internal stats")
	fs.StringVar(&parsed.ConfigFile, "c", "", "JSON configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("in internal/config/config.go/parseFlags(): error while `fs.Parse()` calling: %w", err)
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	return parsed, set, nil
}

func (c *Config) applyFlags(parsed *Config, set map[string]bool) {
	if set["a"] {
		c.RunAddr = parsed.RunAddr
	}
	if set["b"] {
		c.PublicBaseURL = parsed.PublicBaseURL
	}
	if set["l"] {
		c.LogLevel = parsed.LogLevel
	}
	if set["d"] {
		c.DatabaseDSN = parsed.DatabaseDSN
	}
	if set["f"] {
		c.DBFileName = parsed.DBFileName
	}
	if set["u"] {
		c.UploadDir = parsed.UploadDir
	}
	if set["t"] {
		c.TrustedSubnet = parsed.TrustedSubnet
	}
	if set["c"] {
		c.ConfigFile = parsed.ConfigFile
	}
}

func (c *Config) loadJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("in internal/config/config.go/loadJSON(): error while `os.ReadFile()` calling: %w", err)
	}

	var fromFile jsonConfig
	if err := json.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("in internal/config/config.go/loadJSON(): error while `json.Unmarshal()` calling: %w", err)
	}

	c.ConfigFile = path
	overrideString(&c.RunAddr, fromFile.RunAddr)
	overrideString(&c.PublicBaseURL, fromFile.PublicBaseURL)
	overrideString(&c.LogLevel, fromFile.LogLevel)
	overrideString(&c.DatabaseDSN, fromFile.DatabaseDSN)
	overrideString(&c.DBFileName, fromFile.DBFileName)
	overrideString(&c.UploadDir, fromFile.UploadDir)
	overrideString(&c.StaticPath, fromFile.StaticPath)
	overrideString(&c.JWTSigningKey, fromFile.JWTSigningKey)
	overrideString(&c.TrustedSubnet, fromFile.TrustedSubnet)
	if fromFile.MaxUploadSize != 0 {
		c.MaxUploadSize = fromFile.MaxUploadSize
	}
	if err := overrideDuration(&c.TokenTTL, fromFile.TokenTTL); err != nil {
		return err
	}

	return overrideDuration(&c.OrphanSweepInterval, fromFile.OrphanSweepInterval)
}

func (c *Config) normalize() {
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	c.StaticPath = "/" + strings.Trim(c.StaticPath, "/")
}

func overrideString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func overrideDuration(dst *time.Duration, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q in config file: %w", value, err)
	}
	*dst = d

	return nil
}

func validateStoragePath(fieldLevel validator.FieldLevel) bool {
	path := fieldLevel.Field().String()
	if strings.ContainsRune(path, 0) {
		return false
	}
	_, err := os.Stat(filepath.Clean(path))

	return err == nil || os.IsNotExist(err)
}

func validateLogLevel(fieldLevel validator.FieldLevel) bool {
	value := fieldLevel.Field().String()

	allowedLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}

	return allowedLogLevels[value]
}

func validateBase64Key(fieldLevel validator.FieldLevel) bool {
	key, err := base64.URLEncoding.DecodeString(fieldLevel.Field().String())

	return err == nil && len(key) >= 16
}

func (c *Config) validate() error {
	validate := validator.New()

	customValidations := map[string]validator.Func{
		"loglevel":    validateLogLevel,
		"storagepath": validateStoragePath,
		"base64key":   validateBase64Key,
	}
	for tag, fn := range customValidations {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}

	validate.RegisterStructValidation(validateOrphanSweep, Config{})

	return validate.Struct(c)
}

// validateOrphanSweep requires a grace period whenever the sweep runs, so a
// blob stored moments before its post row is never swept.
func validateOrphanSweep(structLevel validator.StructLevel) {
	cfg, ok := structLevel.Current().Interface().(Config)
	if !ok {
		return
	}
	if cfg.OrphanSweepInterval > 0 && cfg.OrphanGracePeriod <= 0 {
		structLevel.ReportError(cfg.OrphanGracePeriod, "OrphanGracePeriod", "OrphanGracePeriod", "graceforsweep", "")
	}
}
