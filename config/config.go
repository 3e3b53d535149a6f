// Package config loads the service configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("5s", "2m")
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	// Driver is "memory" or "postgres"
	Driver      string `yaml:"driver"`
	DataDir     string `yaml:"dataDir"`
	DatabaseURL string `yaml:"databaseUrl"`
	Migrate     bool   `yaml:"migrate"`
}

type DispatcherConfig struct {
	Workers      int      `yaml:"workers"`
	PollInterval Duration `yaml:"pollInterval"`
	BatchSize    int      `yaml:"batchSize"`
	// WorkerPrefix must be unique per process sharing a database; entries
	// claimed under it are recovered on start.
	WorkerPrefix string   `yaml:"workerPrefix"`
}

type PipelineConfig struct {
	MaxRetries    int      `yaml:"maxRetries"`
	RetryCooldown Duration `yaml:"retryCooldown"`
	// RetryExponent multiplies the cooldown after every failed attempt
	RetryExponent float64  `yaml:"retryExponent"`
	ImageTimeout  Duration `yaml:"imageTimeout"`
}

type ExtractorConfig struct {
	SeriesURLTemplate string            `yaml:"seriesUrlTemplate"`
	Referer           string            `yaml:"referer"`
	UserAgent         string            `yaml:"userAgent"`
	RequestTimeout    Duration          `yaml:"requestTimeout"`
	KeepAliveTimeout  Duration          `yaml:"keepAliveTimeout"`
	ProxyURL          string            `yaml:"proxyUrl"`
	Headers           map[string]string `yaml:"headers"`
}

type OutputConfig struct {
	// Sink is "file" or "s3"
	Sink      string `yaml:"sink"`
	Dir       string `yaml:"dir"`
	S3Bucket  string `yaml:"s3Bucket"`
	S3Prefix  string `yaml:"s3Prefix"`
	S3Region  string `yaml:"s3Region"`
	S3Profile string `yaml:"s3Profile"`
}

type NotifyConfig struct {
	// Kind is "log" or "outbox"
	Kind       string `yaml:"kind"`
	AdminEmail string `yaml:"adminEmail"`
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
	JSON  bool `yaml:"json"`
}

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Extractor  ExtractorConfig  `yaml:"extractor"`
	Output     OutputConfig     `yaml:"output"`
	Notify     NotifyConfig     `yaml:"notify"`
	Log        LogConfig        `yaml:"log"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		Store: StoreConfig{
			Driver:  "memory",
			DataDir: ".data",
			Migrate: true,
		},
		Dispatcher: DispatcherConfig{
			Workers:      1,
			PollInterval: Duration(5 * time.Second),
			BatchSize:    10,
			WorkerPrefix: "worker",
		},
		Pipeline: PipelineConfig{
			MaxRetries:    3,
			RetryCooldown: Duration(time.Second),
			RetryExponent: 2,
			ImageTimeout:  Duration(30 * time.Second),
		},
		Extractor: ExtractorConfig{
			SeriesURLTemplate: "https://www.webtoons.com/en/a/a/list?title_no=%d",
			Referer:           "https://www.webtoons.com/",
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			RequestTimeout:    Duration(30 * time.Second),
			KeepAliveTimeout:  Duration(90 * time.Second),
		},
		Output: OutputConfig{
			Sink: "file",
			Dir:  "downloads",
		},
		Notify: NotifyConfig{Kind: "log"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.databaseUrl is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Dispatcher.Workers < 1 {
		errs = append(errs, errors.New("dispatcher.workers must be at least 1"))
	}
	if c.Dispatcher.PollInterval <= 0 {
		errs = append(errs, errors.New("dispatcher.pollInterval must be positive"))
	}
	if c.Dispatcher.BatchSize < 1 {
		errs = append(errs, errors.New("dispatcher.batchSize must be at least 1"))
	}
	if c.Pipeline.MaxRetries < 1 {
		errs = append(errs, errors.New("pipeline.maxRetries must be at least 1"))
	}
	if c.Pipeline.RetryExponent < 1 {
		errs = append(errs, errors.New("pipeline.retryExponent must be at least 1"))
	}
	if c.Pipeline.ImageTimeout <= 0 || c.Extractor.RequestTimeout <= 0 || c.Extractor.KeepAliveTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	switch c.Output.Sink {
	case "file":
		if c.Output.Dir == "" {
			errs = append(errs, errors.New("output.dir is required for the file sink"))
		}
	case "s3":
		if c.Output.S3Bucket == "" {
			errs = append(errs, errors.New("output.s3Bucket is required for the s3 sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown output sink %q", c.Output.Sink))
	}
	switch c.Notify.Kind {
	case "log":
	case "outbox":
		if c.Notify.AdminEmail == "" {
			errs = append(errs, errors.New("notify.adminEmail is required for the outbox notifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notifier %q", c.Notify.Kind))
	}
	return errors.Join(errs...)
}
