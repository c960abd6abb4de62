package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/service/bank"
)

const (
	defaultListenAddr   = "localhost:8080"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction
	defaultPolicy       = "random"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the mock bank will be run
	ListenAddr string

	// Ledger database. Empty means the ledger lives in memory
	DatabaseDSN string

	// Outcome policy for new submissions (random, success, timeout, challenge, failure, lost-response)
	Policy string

	// Accepted verification code
	OTP string

	// Seed for the random policy. Zero picks a seed from the clock
	Seed uint64

	// Environment
	Environment string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:    defaultLoggingLevel,
		ListenAddr:  defaultListenAddr,
		Policy:      defaultPolicy,
		OTP:         bank.DefaultOTP,
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
	setUint := func(o *uint64) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return err
			}
			*o = n
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":  setString(&c.ListenAddr),
		"DATABASE_URI": setString(&c.DatabaseDSN),
		"BANK_POLICY":  setString(&c.Policy),
		"BANK_OTP":     setString(&c.OTP),
		"BANK_SEED":    setUint(&c.Seed),
		"LOG_LEVEL":    setString(&c.LogLevel),
		"ENVIRONMENT":  setString(&c.Environment),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("mockbank", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Ledger database connection string, in-memory ledger when empty")
	fs.StringVarP(&c.Policy, "policy", "p", c.Policy, "Outcome policy (random, success, timeout, challenge, failure, lost-response)")
	fs.StringVar(&c.OTP, "otp", c.OTP, "Accepted verification code")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "Random policy seed, 0 picks one from the clock")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, production)")

	return fs.Parse(args)
}
