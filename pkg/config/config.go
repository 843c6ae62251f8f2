package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/microsoft/TeamCloud-sub005/pkg/engine"
	"github.com/microsoft/TeamCloud-sub005/pkg/orchestrations"
	"github.com/microsoft/TeamCloud-sub005/pkg/stores"
	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "teamcloud.yaml"

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Database: stores.Config{
			Path:            "teamcloud.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Engine: EngineConfig{
			EventPollInterval: time.Second,
			ActivityRetry:     engine.DefaultRetryPolicy(),
			Locks:             engine.DefaultLockOptions(),
			Supervisor:        engine.DefaultSupervisorOptions(),
			Workflows:         orchestrations.DefaultOptions(),
		},
		Telemetry: *telemetry.DefaultConfig(),
		Server: ServerConfig{
			Listen:          ":8080",
			BasePath:        "/api",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Providers: ProvidersConfig{
			Kind:            "simulator",
			DeploymentPolls: 2,
		},
	}
}

// Load reads and validates the configuration at path. An empty path yields
// the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with teamcloud config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional is Load, falling back to the defaults when path does not exist.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Load("")
	}
	return Load(path)
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write stores the configuration at path, refusing to overwrite a file.
func (c *Config) Write(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks struct tags and the telemetry settings.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fieldPath(fe), describeTag(fe)))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: telemetry: %w", err)
	}
	if c.Engine.Locks.PollInterval <= 0 || c.Engine.Locks.Timeout <= 0 {
		return fmt.Errorf("invalid config: engine.locks timeout and poll_interval must be positive")
	}
	if c.Engine.Workflows.Deployment.PollInterval <= 0 {
		return fmt.Errorf("invalid config: engine.workflows.deployment.poll_interval must be positive")
	}
	return nil
}

// newValidator reports fields by their YAML names, or JSON names for
// domain types without YAML tags.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, key := range []string{"yaml", "json"} {
			name := strings.SplitN(f.Tag.Get(key), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return strings.ToLower(f.Name)
	})
	return v
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
