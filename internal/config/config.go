// Package config loads and validates the agent's settings.
//
// Settings come from an optional YAML file plus environment variables; the
// environment always wins. The variable names match what the agent has been
// deployed with historically (AWS_ACCESS_KEY_ID, S3_BUCKET, DESTINATION_DIR,
// …), so an existing .env keeps working unchanged.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/nicexxd/auto-uploader/internal/errs"
)

// AppName is used for the hidden state directory under the destination root.
const AppName = "auto-uploader"

const (
	defaultPollInterval = 5 * time.Second
	defaultWorkers      = 4
)

// Config holds all settings the agent needs.
type Config struct {
	// Remote store connection
	Endpoint  string `yaml:"endpoint"`   // host:port of the S3-compatible server
	AccessKey string `yaml:"access_key"` // access key ID
	SecretKey string `yaml:"secret_key"` // secret access key
	UseSSL    bool   `yaml:"use_ssl"`    // TLS on the connection
	Region    string `yaml:"region"`     // region for region-aware backends

	// Namespace being mirrored
	Bucket string `yaml:"bucket"` // bucket / container name
	Prefix string `yaml:"prefix"` // key prefix, stripped from local paths

	// Local mirror
	Destination string `yaml:"destination"` // destination root directory

	// Engine tuning
	PollInterval        time.Duration `yaml:"poll_interval"`         // wait between cycles, min 1s
	Workers             int           `yaml:"workers"`               // fetch pool size, min 1
	DeleteAfterDownload bool          `yaml:"delete_after_download"` // remove remote copy once local commit succeeds

	// Observability
	LogLevel   string `yaml:"log_level"`   // debug, info, warn, error
	LogFormat  string `yaml:"log_format"`  // json, console
	StatusAddr string `yaml:"status_addr"` // optional HTTP status listener, e.g. ":9090"
}

// Load builds a Config from defaults, the YAML file at path (if non-empty),
// and environment overrides, then validates it. Configuration errors are
// fatal by design: the agent refuses to start rather than run half-set-up.
func Load(path string) (*Config, error) {
	cfg := &Config{
		PollInterval: defaultPollInterval,
		Workers:      defaultWorkers,
		LogLevel:     "info",
		LogFormat:    "json",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "cannot read config file "+path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "cannot parse config file "+path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func (c *Config) applyEnv() {
	setString(&c.Endpoint, "S3_ENDPOINT")
	setString(&c.AccessKey, "AWS_ACCESS_KEY_ID")
	setString(&c.SecretKey, "AWS_SECRET_ACCESS_KEY")
	setString(&c.Region, "AWS_DEFAULT_REGION")
	setString(&c.Bucket, "S3_BUCKET")
	setString(&c.Prefix, "S3_PREFIX")
	setString(&c.Destination, "DESTINATION_DIR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.StatusAddr, "STATUS_ADDR")
	setBool(&c.UseSSL, "S3_USE_SSL")
	setBool(&c.DeleteAfterDownload, "DELETE_AFTER_DOWNLOAD")

	if v, ok := os.LookupEnv("POLL_INTERVAL_SECONDS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.PollInterval = time.Duration(n) * time.Second
		} else {
			c.PollInterval = defaultPollInterval
		}
	}
	if v, ok := os.LookupEnv("MAX_WORKERS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Workers = n
		} else {
			c.Workers = defaultWorkers
		}
	}
}

// normalize clamps tunables, cleans up the prefix, resolves the destination
// and checks required settings.
func (c *Config) normalize() error {
	if c.PollInterval < time.Second {
		c.PollInterval = time.Second
	}
	if c.Workers < 1 {
		c.Workers = 1
	}

	// The prefix is a key namespace, never an absolute path.
	c.Prefix = strings.TrimPrefix(c.Prefix, "/")

	var missing []string
	if c.Endpoint == "" {
		missing = append(missing, "S3_ENDPOINT")
	}
	if c.AccessKey == "" {
		missing = append(missing, "AWS_ACCESS_KEY_ID")
	}
	if c.SecretKey == "" {
		missing = append(missing, "AWS_SECRET_ACCESS_KEY")
	}
	if c.Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.Destination == "" {
		missing = append(missing, "DESTINATION_DIR")
	}
	if len(missing) > 0 {
		return errs.New(errs.ErrKindInvalidInput,
			"missing required settings: "+strings.Join(missing, ", "))
	}

	abs, err := filepath.Abs(c.Destination)
	if err != nil {
		return errs.Wrap(errs.ErrKindInvalidInput, "cannot resolve destination dir", err)
	}
	c.Destination = abs

	return nil
}

// StateDir returns the hidden directory under the destination root that
// holds state.json and the agent log.
func (c *Config) StateDir() string {
	return filepath.Join(c.Destination, "."+AppName)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y":
			*dst = true
		default:
			*dst = false
		}
	}
}
