package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/safepay/internal/logger"
)

const (
	defaultRemoteAddr   = "http://localhost:8080"
	defaultStorePath    = "safepay.db"
	defaultLoggingLevel = logger.LevelWarn
	defaultEnvironment  = logger.EnvDevelopment
	defaultTimeout      = 10 * time.Second
)

type Config struct {
	// Default logging level
	LogLevel string

	// Payment service base URL
	RemoteAddr string

	// Transaction store file
	StorePath string

	// Ask for verification codes on stdin when the service challenges a request
	Interactive bool

	// Bounds each remote call up to the response headers
	Timeout time.Duration

	// Environment
	Environment string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:    defaultLoggingLevel,
		RemoteAddr:  defaultRemoteAddr,
		StorePath:   defaultStorePath,
		Timeout:     defaultTimeout,
		Environment: defaultEnvironment,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"SAFEPAY_REMOTE_ADDRESS": setString(&c.RemoteAddr),
		"SAFEPAY_STORE_PATH":     setString(&c.StorePath),
		"SAFEPAY_TIMEOUT":        setDuration(&c.Timeout),
		"LOG_LEVEL":              setString(&c.LogLevel),
		"ENVIRONMENT":            setString(&c.Environment),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

// ParseFlags parses global flags up to the command name and returns the command with its arguments
func (c *Config) ParseFlags(args []string) ([]string, error) {
	fs := pflag.NewFlagSet("paycli", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	fs.StringVarP(&c.RemoteAddr, "remote", "r", c.RemoteAddr, "Payment service base URL")
	fs.StringVarP(&c.StorePath, "store", "s", c.StorePath, "Transaction store file")
	fs.BoolVarP(&c.Interactive, "interactive", "i", c.Interactive, "Prompt for verification codes on stdin")
	fs.DurationVarP(&c.Timeout, "timeout", "t", c.Timeout, "Remote call timeout")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, production)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if c.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}

	return fs.Args(), nil
}
