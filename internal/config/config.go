// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package config loads settings for the blobject command-line tool.
//
// Settings are assembled in three layers: built-in defaults, then an optional
// YAML file, then environment variables with the prefix BLOBJECT. A later
// layer overrides only the values it sets. Environment variables may also be
// supplied by dotenv files (see [Load]); variables already set in the process
// environment take precedence over those files.
//
// Example YAML:
//
//	listen: localhost:9900
//	dispatch_timeout: 30s
//	log_level: debug
//	metrics_addr: localhost:9901
//	encoding: "1.1"
//	nats:
//	  url: nats://127.0.0.1:4222
//	  subject: blobject.demo
//
// The equivalent environment variables are BLOBJECT_LISTEN,
// BLOBJECT_DISPATCH_TIMEOUT, BLOBJECT_LOG_LEVEL, BLOBJECT_METRICS_ADDR,
// BLOBJECT_ENCODING, BLOBJECT_NATS_URL and BLOBJECT_NATS_SUBJECT.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/creachadair/blobject/wire"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variables read by [Load].
const EnvPrefix = "BLOBJECT"

// Config holds settings for serving and calling blobject peers.
type Config struct {
	// Listen is the address to serve on, in the form accepted by
	// blobject.SplitAddress.
	Listen string `yaml:"listen" envconfig:"LISTEN"`

	// DispatchTimeout bounds each inbound dispatch. Zero means no limit.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" envconfig:"DISPATCH_TIMEOUT"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	// MetricsAddr, if set, is the address of an HTTP endpoint for metrics.
	MetricsAddr string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`

	// Encoding is the encapsulation version for outbound requests.
	Encoding string `yaml:"encoding" envconfig:"ENCODING"`

	NATS NATS `yaml:"nats" envconfig:"NATS"`
}

// NATS holds settings for the NATS transport. The transport is used only if
// URL is set.
type NATS struct {
	URL     string `yaml:"url" envconfig:"URL"`
	Subject string `yaml:"subject" envconfig:"SUBJECT"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Listen:   "localhost:9900",
		LogLevel: "info",
		Encoding: wire.Encoding11.String(),
		NATS:     NATS{Subject: "blobject"},
	}
}

// Load returns the default config, overridden by the contents of the YAML
// file at path (if path != ""), and then by the environment. The result is
// validated before it is returned.
//
// Each of envFiles is a dotenv file whose variables are added to the process
// environment before it is read. Variables that are already set are not
// replaced.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if len(envFiles) != 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("config: env file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays the YAML document from r onto c. Unknown keys are an
// error; an empty document is not.
func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports an error if c contains invalid settings.
func (c *Config) Validate() error {
	if c.DispatchTimeout < 0 {
		return fmt.Errorf("config: negative dispatch timeout %v", c.DispatchTimeout)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.WireEncoding(); err != nil {
		return err
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return errors.New("config: NATS subject is required with a NATS URL")
	}
	if c.NATS.URL == "" && c.Listen == "" {
		return errors.New("config: no listen address")
	}
	return nil
}

// Level returns the log level named by c.LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}

// WireEncoding returns the encapsulation version named by c.Encoding.
func (c *Config) WireEncoding() (wire.Encoding, error) {
	enc, err := wire.ParseEncoding(c.Encoding)
	if err != nil {
		return wire.Encoding{}, fmt.Errorf("config: encoding: %w", err)
	}
	return enc, nil
}
