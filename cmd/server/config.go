package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/logging"
)

// Config is the server configuration. Flags win over environment variables,
// which win over the defaults.
type Config struct {
	Port              int
	DBPath            string
	LogLevel          string
	SweepInterval     time.Duration
	SweepConcurrency  int
	OverpaymentPolicy ledger.OverpaymentPolicy
	SchedulerEnabled  bool
	ShutdownTimeout   time.Duration
}

func defaultConfig() Config {
	return Config{
		Port:              8080,
		DBPath:            "loans.db",
		LogLevel:          "info",
		SweepInterval:     24 * time.Hour,
		SweepConcurrency:  4,
		OverpaymentPolicy: ledger.OverpaymentReject,
		SchedulerEnabled:  true,
		ShutdownTimeout:   30 * time.Second,
	}
}

// LoadConfig parses args (without the program name) on top of the
// environment read through getenv.
func LoadConfig(args []string, getenv func(string) string, output io.Writer) (Config, error) {
	cfg := defaultConfig()
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port (PORT)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, `SQLite database path, ":memory:" for in-memory (DB_PATH)`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "accrual scheduler interval (SWEEP_INTERVAL)")
	fs.IntVar(&cfg.SweepConcurrency, "sweep-concurrency", cfg.SweepConcurrency, "loans accrued in parallel per sweep (SWEEP_CONCURRENCY)")
	policy := fs.String("overpayment", string(cfg.OverpaymentPolicy), "reject or discard (OVERPAYMENT_POLICY)")
	fs.BoolVar(&cfg.SchedulerEnabled, "scheduler", cfg.SchedulerEnabled, "run the accrual scheduler (SCHEDULER_ENABLED)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.OverpaymentPolicy = ledger.OverpaymentPolicy(*policy)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	if v := getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PORT: %w", err))
		}
		c.Port = n
	}
	if v := getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SWEEP_INTERVAL: %w", err))
		}
		c.SweepInterval = d
	}
	if v := getenv("SWEEP_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SWEEP_CONCURRENCY: %w", err))
		}
		c.SweepConcurrency = n
	}
	if v := getenv("OVERPAYMENT_POLICY"); v != "" {
		c.OverpaymentPolicy = ledger.OverpaymentPolicy(v)
	}
	if v := getenv("SCHEDULER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SCHEDULER_ENABLED: %w", err))
		}
		c.SchedulerEnabled = b
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval))
	}
	if c.SweepConcurrency < 1 {
		errs = append(errs, fmt.Errorf("sweep concurrency must be at least 1, got %d", c.SweepConcurrency))
	}
	if !c.OverpaymentPolicy.Valid() {
		errs = append(errs, fmt.Errorf("unknown overpayment policy %q", c.OverpaymentPolicy))
	}
	return errors.Join(errs...)
}
