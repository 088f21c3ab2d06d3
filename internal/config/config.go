// Package config provides environment-variable-first configuration loading
// with optional YAML file and dotenv layers.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider names.
const (
	ProviderSMTP    = "smtp"
	ProviderSES     = "ses"
	ProviderCapture = "capture"
)

const (
	defaultSMTPPort        = 465
	defaultSMTPTimeout     = 10 * time.Second
	defaultMaxMessages     = 100
	defaultMaxMessageSize  = 26214400
	defaultHTTPListen      = ":8080"
	defaultLoggingLevel    = "info"
	defaultCaptureHostname = "localhost"
)

// Config holds the complete application configuration.
type Config struct {
	// Provider selects the delivery backend; empty means auto-detect.
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	SES      SESConfig     `yaml:"ses"`
	Capture  CaptureConfig `yaml:"capture"`
	HTTP     HTTPConfig    `yaml:"http"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig describes the outbound relay.
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Secure             bool          `yaml:"secure"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	From               string        `yaml:"from"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// CaptureConfig configures the in-memory store and the optional local
// capture SMTP server. The server runs only when Listen is set.
type CaptureConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessages    int    `yaml:"max_messages"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	ImplicitTLS    bool   `yaml:"implicit_tls"`
	Echo           bool   `yaml:"echo"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// TLSConfig holds TLS certificate file paths for the capture server.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables that are already set are not overwritten.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SMTPConfigured returns true if a relay host and credentials are set.
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Host != "" && c.SMTP.Username != "" && c.SMTP.Password != ""
}

// SESConfigured returns true if the SES region and sender are set.
// Credentials may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// CaptureAuthEnabled returns true if the capture server requires AUTH.
func (c *Config) CaptureAuthEnabled() bool {
	return c.Capture.Username != "" && c.Capture.Password != ""
}

// SelectedProvider returns the explicit provider, or auto-detects one:
// smtp when a relay host is set, else ses when configured, else capture.
func (c *Config) SelectedProvider() string {
	if c.Provider != "" {
		return strings.ToLower(c.Provider)
	}
	switch {
	case c.SMTP.Host != "":
		return ProviderSMTP
	case c.SESConfigured():
		return ProviderSES
	default:
		return ProviderCapture
	}
}

// Validate reports every setting missing or invalid for the selected
// provider.
func (c *Config) Validate() error {
	var errs []error

	switch p := c.SelectedProvider(); p {
	case ProviderSMTP:
		if c.SMTP.Host == "" {
			errs = append(errs, errors.New("smtp.host (SMTP_HOST) is required"))
		}
		if c.SMTP.Username == "" || c.SMTP.Password == "" {
			errs = append(errs, errors.New("smtp.username and smtp.password (SMTP_USER, SMTP_PASS) are required"))
		}
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			errs = append(errs, fmt.Errorf("smtp.port %d is out of range", c.SMTP.Port))
		}
		if c.SMTP.Timeout <= 0 {
			errs = append(errs, errors.New("smtp.timeout must be positive"))
		}
		if err := validateSender(c.SMTP.From, c.SMTP.Username); err != nil {
			errs = append(errs, err)
		}
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses.region and ses.sender (SES_REGION, SES_SENDER) are required"))
		}
	case ProviderCapture:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", p))
	}

	if c.Capture.MaxMessages <= 0 {
		errs = append(errs, errors.New("capture.max_messages must be positive"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging level %q", c.Logging.Level))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// validateSender checks the envelope sender: smtp.from when set, otherwise
// the login name. A missing login is reported by the credentials check.
func validateSender(from, username string) error {
	key, sender := "smtp.from (SMTP_FROM)", from
	if sender == "" {
		if username == "" {
			return nil
		}
		key, sender = "smtp.username (SMTP_USER)", username
	}
	addr, err := mail.ParseAddress(sender)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid sender address, set SMTP_FROM: %w", key, sender, err)
	}
	if at := strings.LastIndexByte(addr.Address, '@'); at <= 0 || at == len(addr.Address)-1 {
		return fmt.Errorf("%s %q has no domain", key, sender)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Port = defaultSMTPPort
	c.SMTP.Secure = true
	c.SMTP.Timeout = defaultSMTPTimeout
	c.Capture.Hostname = defaultCaptureHostname
	c.Capture.MaxMessages = defaultMaxMessages
	c.Capture.MaxMessageSize = defaultMaxMessageSize
	c.Capture.ImplicitTLS = true
	c.HTTP.Listen = defaultHTTPListen
	c.Logging.Level = defaultLoggingLevel
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; a value
// that does not parse is an error.
func (c *Config) applyEnvVars() error {
	var errs []error

	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	setString(&c.Provider, "PROVIDER")

	setString(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setBool(&c.SMTP.Secure, "SMTP_SECURE")
	setString(&c.SMTP.Username, "SMTP_USER")
	setString(&c.SMTP.Password, "SMTP_PASS")
	setString(&c.SMTP.From, "SMTP_FROM")
	setBool(&c.SMTP.InsecureSkipVerify, "SMTP_INSECURE_SKIP_VERIFY")
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SMTP_TIMEOUT: %w", err))
		} else {
			c.SMTP.Timeout = d
		}
	}

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.Capture.Listen, "CAPTURE_LISTEN")
	setString(&c.Capture.Username, "CAPTURE_USERNAME")
	setString(&c.Capture.Password, "CAPTURE_PASSWORD")
	setInt(&c.Capture.MaxMessages, "CAPTURE_MAX_MESSAGES")

	setString(&c.HTTP.Listen, "HTTP_LISTEN")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return errors.Join(errs...)
}

// parseDuration accepts a Go duration ("10s") or a plain number of
// milliseconds ("10000").
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
