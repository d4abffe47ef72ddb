package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that unmarshals from "30s"-style strings in
// YAML and JSON config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// File is the top-level switchboard configuration.
type File struct {
	Runtime  RuntimeConfig  `yaml:"runtime" json:"runtime"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Gateway  GatewayConfig  `yaml:"gateway" json:"gateway"`
	Feed     FeedConfig     `yaml:"feed" json:"feed"`
	NATS     *NATSConfig    `yaml:"nats,omitempty" json:"nats,omitempty"`
	Tracing  TracingConfig  `yaml:"tracing" json:"tracing"`
}

// RuntimeConfig tunes the machine registry and its dispatch pool.
type RuntimeConfig struct {
	Workers               int      `yaml:"workers" json:"workers"`
	MaxConcurrentMachines int      `yaml:"maxConcurrentMachines" json:"maxConcurrentMachines"`
	MailboxCapacity       int      `yaml:"mailboxCapacity" json:"mailboxCapacity"`
	EnqueuePolicy         string   `yaml:"enqueuePolicy" json:"enqueuePolicy"` // fail_fast | block
	EnqueueWait           Duration `yaml:"enqueueWait" json:"enqueueWait"`
	DispatchBatch         int      `yaml:"dispatchBatch" json:"dispatchBatch"`
	RehydrationEnabled    bool     `yaml:"rehydrationEnabled" json:"rehydrationEnabled"`
	DeleteCompleted       bool     `yaml:"deleteCompleted" json:"deleteCompleted"`
	ShutdownTimeout       Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	SlowHandlerThreshold  Duration `yaml:"slowHandlerThreshold" json:"slowHandlerThreshold"`
}

// DatabaseConfig selects and tunes the persistence provider.
type DatabaseConfig struct {
	// Driver is one of memory, sqlite3, postgres, pgx.
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
	Table  string `yaml:"table" json:"table"`

	MaxOpenConns    int      `yaml:"maxOpenConns" json:"maxOpenConns"`
	MaxIdleConns    int      `yaml:"maxIdleConns" json:"maxIdleConns"`
	ConnMaxLifetime Duration `yaml:"connMaxLifetime" json:"connMaxLifetime"`
	ConnMaxIdleTime Duration `yaml:"connMaxIdleTime" json:"connMaxIdleTime"`

	// Partitions spreads records over N hash partitions. Only the pgx
	// driver uses it.
	Partitions int `yaml:"partitions" json:"partitions"`
}

// GatewayConfig tunes the HTTP event gateway.
type GatewayConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Addr         string   `yaml:"addr" json:"addr"`
	ReadTimeout  Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`

	// AuthMode is one of none, jwt, apikey.
	AuthMode string `yaml:"authMode" json:"authMode"`
	// JWTSecret signs and verifies bearer tokens when AuthMode is jwt.
	JWTSecret string `yaml:"jwtSecret" json:"jwtSecret"`
	// APIKeyHash is the bcrypt hash clients' X-API-Key must match when
	// AuthMode is apikey.
	APIKeyHash string `yaml:"apiKeyHash" json:"apiKeyHash"`
}

// FeedConfig enables the websocket transition feed. It listens on its own
// address, separate from the gateway.
type FeedConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// NATSConfig enables the NATS event ingress when present.
type NATSConfig struct {
	URL           string `yaml:"url" json:"url"`
	SubjectPrefix string `yaml:"subjectPrefix" json:"subjectPrefix"`
	QueueGroup    string `yaml:"queueGroup" json:"queueGroup"`
}

// TracingConfig enables OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Stdout pretty-prints spans to stdout instead of exporting.
	Stdout bool `yaml:"stdout" json:"stdout"`
}

// Default returns the configuration used when no file is given: in-memory
// persistence, gateway on :8080 without auth, no NATS.
func Default() *File {
	return &File{
		Runtime: RuntimeConfig{
			Workers:               8,
			MaxConcurrentMachines: 8,
			MailboxCapacity:       64,
			EnqueuePolicy:         "fail_fast",
			EnqueueWait:           Duration(5 * time.Second),
			DispatchBatch:         16,
			RehydrationEnabled:    true,
			ShutdownTimeout:       Duration(10 * time.Second),
			SlowHandlerThreshold:  Duration(time.Second),
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			Table:           "machines",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(30 * time.Minute),
			ConnMaxIdleTime: Duration(10 * time.Minute),
			Partitions:      16,
		},
		Gateway: GatewayConfig{
			Enabled:      true,
			Addr:         ":8080",
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
			AuthMode:     "none",
		},
		Feed: FeedConfig{
			Addr: ":8081",
		},
	}
}

// LoadFile loads a switchboard config file over the defaults and validates
// it. An empty path returns the defaults unchanged.
func LoadFile(path string) (*File, error) {
	cfg := Default()
	if path != "" {
		if err := LoadWithEnv(path, "SWITCHBOARD", cfg); err != nil {
			return nil, err
		}
	} else if err := ApplyEnvOverrides("SWITCHBOARD", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the struct tags cannot express.
func (f *File) Validate() error {
	if err := Validate(f,
		RequiredFields("Runtime.Workers", "Runtime.MailboxCapacity", "Database.Driver"),
		RangeValidator("Runtime.Workers", 1, 4096),
		RangeValidator("Runtime.MailboxCapacity", 1, 1<<20),
	); err != nil {
		return err
	}

	switch f.Runtime.EnqueuePolicy {
	case "", "fail_fast", "block":
	default:
		return fmt.Errorf("runtime.enqueuePolicy must be fail_fast or block, got %q", f.Runtime.EnqueuePolicy)
	}

	switch f.Database.Driver {
	case "memory":
	case "sqlite3", "postgres", "pgx":
		if f.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", f.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database.driver %q", f.Database.Driver)
	}

	if f.Gateway.Enabled {
		switch f.Gateway.AuthMode {
		case "", "none":
		case "jwt":
			if f.Gateway.JWTSecret == "" {
				return fmt.Errorf("gateway.jwtSecret is required for jwt auth")
			}
		case "apikey":
			if f.Gateway.APIKeyHash == "" {
				return fmt.Errorf("gateway.apiKeyHash is required for apikey auth")
			}
		default:
			return fmt.Errorf("unknown gateway.authMode %q", f.Gateway.AuthMode)
		}
	}

	if f.NATS != nil {
		if f.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when the nats section is present")
		}
		if f.NATS.SubjectPrefix == "" {
			f.NATS.SubjectPrefix = "switchboard"
		}
	}
	return nil
}
