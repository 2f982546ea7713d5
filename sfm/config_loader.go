package sfm

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultRequestTopic is the MQTT topic carrying averaging requests.
	DefaultRequestTopic = "rotamesh/relative-rotations"

	// DefaultPublishPrefix prefixes every published topic.
	DefaultPublishPrefix = "rotamesh"

	// DefaultHTTPPort is the HTTP server port.
	DefaultHTTPPort = 4040
)

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{Averaging: DefaultAveragingConfig()}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads the configuration from a YAML file, fills defaults for
// omitted values and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	c.Averaging = c.Averaging.WithDefaults()
	if c.MQTT.RequestTopic == "" {
		c.MQTT.RequestTopic = DefaultRequestTopic
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	errs := c.Averaging.Validate()
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// WithDefaults returns c with zero-valued numeric parameters replaced by
// their defaults. ReferenceView, OutlierThresholdDegrees and
// ParallelThreshold are meaningful at zero and kept as is.
func (c AveragingConfig) WithDefaults() AveragingConfig {
	def := DefaultAveragingConfig()
	if c.SigmaDegrees == 0 {
		c.SigmaDegrees = def.SigmaDegrees
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.AbsoluteTolerance == 0 {
		c.AbsoluteTolerance = def.AbsoluteTolerance
	}
	if c.RelativeTolerance == 0 {
		c.RelativeTolerance = def.RelativeTolerance
	}
	if c.DivergenceNorm == 0 {
		c.DivergenceNorm = def.DivergenceNorm
	}
	if c.X84Multiplier == 0 {
		c.X84Multiplier = def.X84Multiplier
	}
	if c.L1.MaxIterations == 0 {
		c.L1.MaxIterations = def.L1.MaxIterations
	}
	if c.L1.Rho == 0 {
		c.L1.Rho = def.L1.Rho
	}
	if c.L1.Alpha == 0 {
		c.L1.Alpha = def.L1.Alpha
	}
	if c.L1.AbsoluteTolerance == 0 {
		c.L1.AbsoluteTolerance = def.L1.AbsoluteTolerance
	}
	if c.L1.RelativeTolerance == 0 {
		c.L1.RelativeTolerance = def.L1.RelativeTolerance
	}
	return c
}

// Validate reports every out-of-range averaging parameter.
func (c AveragingConfig) Validate() error {
	var errs error
	positive := []struct {
		name  string
		value float64
	}{
		{"averaging.sigmaDegrees", c.SigmaDegrees},
		{"averaging.absoluteTolerance", c.AbsoluteTolerance},
		{"averaging.relativeTolerance", c.RelativeTolerance},
		{"averaging.divergenceNorm", c.DivergenceNorm},
		{"averaging.x84Multiplier", c.X84Multiplier},
		{"averaging.l1.rho", c.L1.Rho},
		{"averaging.l1.absoluteTolerance", c.L1.AbsoluteTolerance},
		{"averaging.l1.relativeTolerance", c.L1.RelativeTolerance},
	}
	for _, p := range positive {
		if !(p.value > 0) {
			errs = multierr.Append(errs, fmt.Errorf("%s must be positive, got %g", p.name, p.value))
		}
	}
	if c.MaxIterations < 1 {
		errs = multierr.Append(errs, fmt.Errorf("averaging.maxIterations must be at least 1, got %d", c.MaxIterations))
	}
	if c.L1.MaxIterations < 1 {
		errs = multierr.Append(errs, fmt.Errorf("averaging.l1.maxIterations must be at least 1, got %d", c.L1.MaxIterations))
	}
	if c.L1.Alpha <= 0 || c.L1.Alpha >= 2 {
		errs = multierr.Append(errs, fmt.Errorf("averaging.l1.alpha must be in (0, 2), got %g", c.L1.Alpha))
	}
	if c.ParallelThreshold < 0 {
		errs = multierr.Append(errs, fmt.Errorf("averaging.parallelThreshold must not be negative, got %d", c.ParallelThreshold))
	}
	return errs
}
