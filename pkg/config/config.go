package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"FxDesk/pkg/util"
)

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Log         struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`
	Server struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		CORS            bool          `yaml:"cors"`
		CORSOrigins     []string      `yaml:"cors_origins"`
		TriggerBurst    float64       `yaml:"trigger_burst" default:"5"`
		TriggerRefill   float64       `yaml:"trigger_refill_per_sec" default:"1"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name" default:"fxdesk"`
	} `yaml:"tracing"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host" default:"localhost"`
		Port     int    `yaml:"port" default:"6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix" default:"fxdesk"`
		PoolSize int    `yaml:"pool_size" default:"10"`
	} `yaml:"redis"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"gzip"`
		Topics       struct {
			Runs     string `yaml:"runs" default:"fxdesk.runs"`
			Triggers string `yaml:"triggers" default:"fxdesk.triggers"`
		} `yaml:"topics"`
		Producer struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"50ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			GroupID    string        `yaml:"group_id" default:"fxdesk"`
			Workers    int           `yaml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" default:"64"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10000000"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"fxdesk"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`
	MarketData struct {
		// memory seeds bars from SeedPath; clickhouse reads the bars_* tables.
		Source   string `yaml:"source" default:"memory"`
		SeedPath string `yaml:"seed_path"`
	} `yaml:"market_data"`
	Retrieval struct {
		Backend       string        `yaml:"backend" default:"none"`
		ServiceURL    string        `yaml:"service_url"`
		WebSources    []string      `yaml:"web_sources"`
		TTL           time.Duration `yaml:"ttl" default:"10m"`
		TopK          int           `yaml:"top_k" default:"10"`
		CallTimeout   time.Duration `yaml:"call_timeout" default:"5s"`
		Retries       int           `yaml:"retries" default:"2"`
		BackoffMin    time.Duration `yaml:"backoff_min" default:"50ms"`
		BackoffMax    time.Duration `yaml:"backoff_max" default:"1s"`
		MemoryMaxSize int           `yaml:"memory_max_size" default:"2000"`
	} `yaml:"retrieval"`
	Producers struct {
		Timeout   time.Duration `yaml:"timeout" default:"3s"`
		Retries   int           `yaml:"retries" default:"1"`
		Backoff   time.Duration `yaml:"backoff" default:"100ms"`
		Technical struct {
			Timeframe    string  `yaml:"timeframe" default:"1m"`
			Window       int     `yaml:"window" default:"200"`
			RSIPeriod    int     `yaml:"rsi_period" default:"14"`
			MACDFast     int     `yaml:"macd_fast" default:"12"`
			MACDSlow     int     `yaml:"macd_slow" default:"26"`
			MACDSignal   int     `yaml:"macd_signal" default:"9"`
			ATRPeriod    int     `yaml:"atr_period" default:"14"`
			BandPeriod   int     `yaml:"band_period" default:"20"`
			StopATR      float64 `yaml:"stop_atr" default:"1.5"`
			TargetATR    float64 `yaml:"target_atr" default:"3"`
			PipSize      float64 `yaml:"pip_size"`
			Oversold     float64 `yaml:"oversold" default:"30"`
			Overbought   float64 `yaml:"overbought" default:"70"`
			BreakoutATRs float64 `yaml:"breakout_atrs" default:"1"`
		} `yaml:"technical"`
		Macro struct {
			CalendarPath    string             `yaml:"calendar_path"`
			Lookahead       time.Duration      `yaml:"lookahead" default:"4h"`
			ReleaseWindow   time.Duration      `yaml:"release_window" default:"30m"`
			MaxConfidence   float64            `yaml:"max_confidence" default:"0.8"`
			SpikeConfidence float64            `yaml:"spike_confidence" default:"0.9"`
			QuietConfidence float64            `yaml:"quiet_confidence" default:"0.3"`
			Impact          map[string]float64 `yaml:"impact"`
		} `yaml:"macro"`
		Sentiment struct {
			TopK        int           `yaml:"top_k" default:"10"`
			HalfLife    time.Duration `yaml:"half_life" default:"6h"`
			NeutralBand float64       `yaml:"neutral_band" default:"0.1"`
		} `yaml:"sentiment"`
	} `yaml:"producers"`
	Aggregator struct {
		MinNetConfidence float64 `yaml:"min_net_confidence" default:"0.5"`
	} `yaml:"aggregator"`
	Risk struct {
		BaseRisk             float64            `yaml:"base_risk" default:"0.01"`
		MaxRisk              float64            `yaml:"max_risk" default:"0.02"`
		MinRR                float64            `yaml:"min_rr" default:"1.5"`
		MaxCorrelation       float64            `yaml:"max_correlation" default:"0.7"`
		MinConfidence        float64            `yaml:"min_confidence" default:"0.55"`
		SharedLegCorrelation float64            `yaml:"shared_leg_correlation" default:"0.5"`
		Correlations         map[string]float64 `yaml:"correlations"`
	} `yaml:"risk"`
	Orchestrator struct {
		AutoApproveConfidence float64       `yaml:"auto_approve_confidence" default:"0.75"`
		LowConfidence         float64       `yaml:"low_confidence" default:"0.2"`
		MaxStaleness          time.Duration `yaml:"max_staleness" default:"2h"`
		ReviewTimeout         time.Duration `yaml:"review_timeout"`
		ArchiveTimeout        time.Duration `yaml:"archive_timeout" default:"5s"`
		RetainRuns            int           `yaml:"retain_runs" default:"1000"`
	} `yaml:"orchestrator"`
	Broker struct {
		Type    string        `yaml:"type" default:"paper"`
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout" default:"5s"`
	} `yaml:"broker"`
	Scheduler struct {
		Enabled     bool          `yaml:"enabled"`
		Interval    time.Duration `yaml:"interval" default:"15m"`
		Instruments []string      `yaml:"instruments"`
		Equity      float64       `yaml:"equity" default:"10000"`
	} `yaml:"scheduler"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	_ = defaults.Set(&c)
	return &c
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes, fills defaults and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides selected fields from the environment and revalidates.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("FXDESK_ENV"); v != "" {
		c.Environment = v
	}
	if v := getenv("FXDESK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("FXDESK_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FXDESK_PORT: %w", err)
		}
		c.Server.Port = p
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = util.SplitList(v)
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		host, port, ok := strings.Cut(v, ":")
		c.Redis.Host = host
		if ok {
			p, err := strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("REDIS_ADDR: %w", err)
			}
			c.Redis.Port = p
		}
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := getenv("FXDESK_BROKER_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := getenv("FXDESK_RETRIEVAL_URL"); v != "" {
		c.Retrieval.ServiceURL = v
	}
	if v := getenv("FXDESK_INSTRUMENTS"); v != "" {
		c.Scheduler.Instruments = util.SplitList(v)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Risk.BaseRisk < 0.01 || c.Risk.BaseRisk > 0.02 {
		return fmt.Errorf("risk.base_risk must be within [0.01, 0.02], got %v", c.Risk.BaseRisk)
	}
	if c.Risk.MaxRisk < 0.01 || c.Risk.MaxRisk > 0.02 {
		return fmt.Errorf("risk.max_risk must be within [0.01, 0.02], got %v", c.Risk.MaxRisk)
	}
	if c.Risk.MinRR <= 0 {
		return fmt.Errorf("risk.min_rr must be positive")
	}
	for name, v := range map[string]float64{
		"aggregator.min_net_confidence":        c.Aggregator.MinNetConfidence,
		"risk.max_correlation":                 c.Risk.MaxCorrelation,
		"risk.min_confidence":                  c.Risk.MinConfidence,
		"orchestrator.auto_approve_confidence": c.Orchestrator.AutoApproveConfidence,
		"orchestrator.low_confidence":          c.Orchestrator.LowConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if c.Producers.Timeout <= 0 {
		return fmt.Errorf("producers.timeout must be positive")
	}
	if c.Retrieval.TTL <= 0 || c.Retrieval.CallTimeout <= 0 {
		return fmt.Errorf("retrieval.ttl and retrieval.call_timeout must be positive")
	}
	if c.Orchestrator.ReviewTimeout < 0 {
		return fmt.Errorf("orchestrator.review_timeout cannot be negative")
	}
	if c.Orchestrator.RetainRuns < 1 {
		return fmt.Errorf("orchestrator.retain_runs must be at least 1")
	}
	switch c.Retrieval.Backend {
	case "none":
	case "http":
		if c.Retrieval.ServiceURL == "" {
			return fmt.Errorf("retrieval.service_url is required for the http backend")
		}
	case "web":
		if len(c.Retrieval.WebSources) == 0 {
			return fmt.Errorf("retrieval.web_sources cannot be empty for the web backend")
		}
	default:
		return fmt.Errorf("retrieval.backend must be 'none', 'http' or 'web', got '%s'", c.Retrieval.Backend)
	}
	switch c.Broker.Type {
	case "paper":
	case "http":
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url is required for the http broker")
		}
	default:
		return fmt.Errorf("broker.type must be 'paper' or 'http', got '%s'", c.Broker.Type)
	}
	switch c.MarketData.Source {
	case "memory":
	case "clickhouse":
		if !c.ClickHouse.Enabled {
			return fmt.Errorf("market_data.source 'clickhouse' requires clickhouse.enabled")
		}
	default:
		return fmt.Errorf("market_data.source must be 'memory' or 'clickhouse', got '%s'", c.MarketData.Source)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Scheduler.Enabled && len(c.Scheduler.Instruments) == 0 {
		return fmt.Errorf("scheduler.instruments cannot be empty when the scheduler is enabled")
	}
	return nil
}
