// Package config loads calfold's settings from config.yaml and CALFOLD_
// environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CALFOLD_"

	// FileName is the config file looked up in the data directory.
	FileName = "config.yaml"

	appDir = "calfold"
)

// File names inside the data directory.
const (
	TokensFile      = "tokens.json"
	AccountsFile    = "accounts.json"
	CredentialsFile = "credentials.json"
)

type Config struct {
	// DataDir holds tokens, accounts and, by default, the credentials.
	DataDir string `yaml:"dataDir" validate:"required"`

	// CredentialsFile is the OAuth client in Google's JSON format. Relative
	// paths are resolved against DataDir.
	CredentialsFile string `yaml:"credentialsFile" validate:"required"`

	Log             Log             `yaml:"log"`
	Aggregate       Aggregate       `yaml:"aggregate"`
	Preferences     Preferences     `yaml:"preferences"`
	OAuth           OAuth           `yaml:"oauth"`
	Tokens          Tokens          `yaml:"tokens"`
	Watch           Watch           `yaml:"watch"`
	Instrumentation Instrumentation `yaml:"instrumentation"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

type Aggregate struct {
	Concurrency int `yaml:"concurrency" validate:"min=1,max=64"`
	HorizonDays int `yaml:"horizonDays" validate:"min=1,max=366"`
}

type Preferences struct {
	ResumeLastViewed bool `yaml:"resumeLastViewed"`
}

type OAuth struct {
	RedirectURL string        `yaml:"redirectURL" validate:"required,url"`
	PendingTTL  time.Duration `yaml:"pendingTTL" validate:"min=1s"`
	OpenBrowser bool          `yaml:"openBrowser"`
}

type Tokens struct {
	// EncryptionKey is a base64 AES-256 key. Empty stores tokens in clear.
	EncryptionKey string `yaml:"encryptionKey" validate:"omitempty,base64"`
}

type Watch struct {
	Schedule    string `yaml:"schedule" validate:"required,cron"`
	MetricsAddr string `yaml:"metricsAddr" validate:"omitempty,hostname_port"`
}

type Instrumentation struct {
	Enabled           bool    `yaml:"enabled"`
	MetricsExporter   string  `yaml:"metricsExporter" validate:"oneof=prometheus otlp stdout"`
	TracingExporter   string  `yaml:"tracingExporter" validate:"oneof=otlp stdout none"`
	OTLPEndpoint      string  `yaml:"otlpEndpoint"`
	OTLPInsecure      bool    `yaml:"otlpInsecure"`
	TraceSamplingRate float64 `yaml:"traceSamplingRate" validate:"min=0,max=1"`
	DetailedLabels    bool    `yaml:"detailedLabels"`
}

// defaults is the base layer every other source is merged onto. Env keys are
// matched against its key names.
func defaults() map[string]any {
	return map[string]any{
		"dataDir":         "",
		"credentialsFile": CredentialsFile,
		"log": map[string]any{
			"level":  "info",
			"pretty": true,
		},
		"aggregate": map[string]any{
			"concurrency": 4,
			"horizonDays": 1,
		},
		"preferences": map[string]any{
			"resumeLastViewed": false,
		},
		"oauth": map[string]any{
			"redirectURL": "http://localhost:1",
			"pendingTTL":  "10m",
			"openBrowser": true,
		},
		"tokens": map[string]any{
			"encryptionKey": "",
		},
		"watch": map[string]any{
			"schedule":    "*/15 * * * *",
			"metricsAddr": "127.0.0.1:9464",
		},
		"instrumentation": map[string]any{
			"enabled":           false,
			"metricsExporter":   "prometheus",
			"tracingExporter":   "none",
			"otlpEndpoint":      "",
			"otlpInsecure":      false,
			"traceSamplingRate": 0.1,
			"detailedLabels":    false,
		},
	}
}

type defaultsProvider struct{}

func (defaultsProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("defaults provider does not support ReadBytes")
}

func (defaultsProvider) Read() (map[string]any, error) {
	return defaults(), nil
}

// DefaultDataDir returns the per-user config directory for calfold.
func DefaultDataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "os.UserConfigDir")
	}
	return filepath.Join(dir, appDir), nil
}

// Default returns the configuration used when no file and no environment
// overrides exist.
func Default() (*Config, error) {
	return load("", "", false)
}

// Load reads the config file at path, or config.yaml in the default data
// directory when path is empty, and applies CALFOLD_ overrides. A missing
// file at the default location is not an error.
func Load(path string) (*Config, error) {
	var dir string
	if path != "" {
		// An explicit file keeps its data next to it unless dataDir says
		// otherwise.
		dir = filepath.Dir(path)
	} else {
		dir = os.Getenv(EnvPrefix + "DATADIR")
		if dir == "" {
			var err error
			if dir, err = DefaultDataDir(); err != nil {
				return nil, err
			}
		}
		path = filepath.Join(dir, FileName)
	}

	return load(path, dir, true)
}

func load(path, dataDir string, withEnv bool) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(defaultsProvider{}, nil); err != nil {
		return nil, errors.Wrap(err, "load defaults failed")
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, errors.Wrapf(err, "read config %s failed", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat config %s", path)
		}
	}

	if withEnv {
		existing := k.Raw()
		if err := k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, v string) (string, any) {
				// CALFOLD_AGGREGATE_HORIZON_DAYS -> aggregate.horizonDays
				return canonicalizeEnvKey(strings.TrimPrefix(key, EnvPrefix), existing), v
			},
		}), nil); err != nil {
			return nil, errors.Wrap(err, "load env variables failed")
		}
	}

	cfg := new(Config)
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			TagName:          "yaml",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}

	if err := cfg.resolve(dataDir); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolve(dataDir string) error {
	if c.DataDir == "" {
		c.DataDir = dataDir
	}
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.CredentialsFile != "" && !filepath.IsAbs(c.CredentialsFile) {
		c.CredentialsFile = filepath.Join(c.DataDir, c.CredentialsFile)
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Instrumentation.MetricsExporter = strings.ToLower(c.Instrumentation.MetricsExporter)
	c.Instrumentation.TracingExporter = strings.ToLower(c.Instrumentation.TracingExporter)
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// TokensPath is the token file.
func (c *Config) TokensPath() string {
	return filepath.Join(c.DataDir, TokensFile)
}

// AccountsPath is the account registry file.
func (c *Config) AccountsPath() string {
	return filepath.Join(c.DataDir, AccountsFile)
}

// Credentials reads the OAuth client credentials file.
func (c *Config) Credentials() ([]byte, error) {
	data, err := os.ReadFile(c.CredentialsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("credentials file %s not found; download an OAuth client (desktop app) from the Google Cloud console and save it there", c.CredentialsFile)
		}
		return nil, errors.Wrapf(err, "read credentials %s", c.CredentialsFile)
	}
	return data, nil
}

func canonicalizeEnvKey(rawKey string, existing map[string]any) string {
	segments := strings.Split(strings.ToLower(rawKey), "_")
	canonical := make([]string, 0, len(segments))
	current := existing

	for i := 0; i < len(segments); i++ {
		if segments[i] == "" {
			continue
		}

		// Try the longest run of segments that names an existing key, so
		// HORIZON_DAYS matches horizonDays.
		matched := false
		for j := len(segments); j > i; j-- {
			key, next, ok := findExistingSegment(current, strings.Join(segments[i:j], ""))
			if !ok {
				continue
			}
			canonical = append(canonical, key)
			current = next
			i = j - 1
			matched = true
			break
		}
		if !matched {
			canonical = append(canonical, segments[i])
			current = nil
		}
	}

	return strings.Join(canonical, ".")
}

func findExistingSegment(current map[string]any, segment string) (matched string, next map[string]any, ok bool) {
	if len(current) == 0 {
		return "", nil, false
	}

	needle := normalizeToken(segment)
	for key, value := range current {
		if normalizeToken(key) != needle {
			continue
		}

		child, _ := value.(map[string]any)
		return key, child, true
	}

	return "", nil, false
}

func normalizeToken(s string) string {
	var normalized strings.Builder
	normalized.Grow(len(s))

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		normalized.WriteRune(unicode.ToLower(r))
	}

	return normalized.String()
}
