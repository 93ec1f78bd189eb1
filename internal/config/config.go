// Package config loads the scanflow YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"scanflow/internal/gateway"
	"scanflow/internal/runner"
	"scanflow/internal/scheduler"
	"scanflow/internal/worker"
)

const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Log       Log       `yaml:"log"`
	Scheduler Scheduler `yaml:"scheduler"`
	Worker    Worker    `yaml:"worker"`
	Execution Execution `yaml:"execution"`
	Gateway   Gateway   `yaml:"gateway"`
	// Modules are collectors run as local commands, keyed by module id.
	Modules map[string]Module `yaml:"modules,omitempty"`
}

type Server struct {
	Addr  string `yaml:"addr"`
	Pprof bool   `yaml:"pprof"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

type Scheduler struct {
	Spec    string        `yaml:"spec"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type Worker struct {
	Min               int           `yaml:"min"`
	Max               int           `yaml:"max"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SuperviseInterval time.Duration `yaml:"supervise_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

type Execution struct {
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Gateway points at the remote collaborators. An empty URL disables the
// collaborator.
type Gateway struct {
	ModuleRegistryURL string        `yaml:"module_registry_url"`
	DataStorageURL    string        `yaml:"data_storage_url"`
	Timeout           time.Duration `yaml:"timeout"`
}

type Module struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	gateway.Cmd `yaml:",inline"`
}

func Default() Config {
	return Config{
		Server:   Server{Addr: ":8080"},
		Database: Database{Path: "scanflow.db"},
		Log:      Log{Level: "info", Format: LogFormatConsole},
		Scheduler: Scheduler{
			Spec:    scheduler.DefaultSpec,
			LockTTL: scheduler.DefaultLockTTL,
		},
		Worker: Worker{
			Min:               worker.DefaultMinWorkers,
			Max:               worker.DefaultMaxWorkers,
			PollInterval:      worker.DefaultPollInterval,
			SuperviseInterval: worker.DefaultSuperviseInterval,
			IdleTimeout:       worker.DefaultIdleTimeout,
		},
		Execution: Execution{
			MaxRetries:  runner.DefaultMaxRetries,
			BaseBackoff: runner.DefaultBaseBackoff,
			MaxBackoff:  runner.DefaultMaxBackoff,
		},
		Gateway: Gateway{Timeout: 30 * time.Second},
	}
}

// Load decodes a YAML document over the defaults and validates the result.
// Unknown keys are rejected.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Load(f)
}

// Write stores cfg as YAML.
func Write(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch c.Log.Format {
	case LogFormatConsole, LogFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if err := scheduler.ValidateSpec(c.Scheduler.Spec); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.spec: %w", err))
	}
	if c.Scheduler.LockTTL <= 0 {
		errs = append(errs, errors.New("scheduler.lock_ttl must be positive"))
	}
	if c.Worker.Min < 1 {
		errs = append(errs, errors.New("worker.min must be at least 1"))
	}
	if c.Worker.Max < c.Worker.Min {
		errs = append(errs, fmt.Errorf("worker.max (%d) is lower than worker.min (%d)", c.Worker.Max, c.Worker.Min))
	}
	for name, d := range map[string]time.Duration{
		"worker.poll_interval":      c.Worker.PollInterval,
		"worker.supervise_interval": c.Worker.SuperviseInterval,
		"worker.idle_timeout":       c.Worker.IdleTimeout,
		"execution.base_backoff":    c.Execution.BaseBackoff,
		"gateway.timeout":           c.Gateway.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Execution.MaxRetries < 1 {
		errs = append(errs, errors.New("execution.max_retries must be at least 1"))
	}
	if c.Execution.MaxBackoff < c.Execution.BaseBackoff {
		errs = append(errs, errors.New("execution.max_backoff is lower than execution.base_backoff"))
	}
	for id, m := range c.Modules {
		if m.Command == "" {
			errs = append(errs, fmt.Errorf("modules.%s.command is required", id))
		}
	}
	return errors.Join(errs...)
}

// Retry is the unit retry policy.
func (c Config) Retry() runner.RetryPolicy {
	return runner.RetryPolicy{
		MaxRetries: c.Execution.MaxRetries,
		Base:       c.Execution.BaseBackoff,
		Cap:        c.Execution.MaxBackoff,
	}
}
