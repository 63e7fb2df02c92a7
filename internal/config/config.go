package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the remediation engine.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Clients    ClientsConfig     `yaml:"clients"`
	Detector   DetectorConfig    `yaml:"detector"`
	Canary     CanaryConfig      `yaml:"canary"`
	Correlator CorrelatorConfig  `yaml:"correlator"`
	Decision   DecisionConfig    `yaml:"decision"`
	Lifecycle  LifecycleConfig   `yaml:"lifecycle"`
	Router     RouterConfig      `yaml:"router"`
	Monitoring MonitoringConfig  `yaml:"monitoring"`
	Registry   map[string]string `yaml:"registry"`
	Logging    LoggingConfig     `yaml:"logging"`
	Cache      CacheConfig       `yaml:"cache"`
}

// ServerConfig controls the listener surfaces.
type ServerConfig struct {
	StatusAddress   string        `yaml:"statusAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ClientsConfig groups external collaborator integrations.
type ClientsConfig struct {
	Infra     InfraClientConfig     `yaml:"infra"`
	Reasoning ReasoningClientConfig `yaml:"reasoning"`
}

// InfraClientConfig configures access to the simulated infrastructure fleet.
type InfraClientConfig struct {
	BaseURL             string        `yaml:"baseURL"`
	HealthPath          string        `yaml:"healthPath"`
	MetricsPath         string        `yaml:"metricsPath"`
	DeployPath          string        `yaml:"deployPath"`
	RollbackPath        string        `yaml:"rollbackPath"`
	SimulateFailurePath string        `yaml:"simulateFailurePath"`
	Timeout             time.Duration `yaml:"timeout"`
}

// ReasoningClientConfig configures the external reasoning gateway.
type ReasoningClientConfig struct {
	BaseURL           string        `yaml:"baseURL"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"apiKey"`
	Timeout           time.Duration `yaml:"timeout"`
	ConsultsPerMinute int           `yaml:"consultsPerMinute"`
}

// DetectorConfig tunes baseline maintenance and anomaly thresholds.
type DetectorConfig struct {
	Alpha          float64            `yaml:"alpha"`
	Deviation      float64            `yaml:"deviation"`
	DeviationPer   map[string]float64 `yaml:"deviationPer"`
	MinSamples     int                `yaml:"minSamples"`
	HardThresholds map[string]float64 `yaml:"hardThresholds"`
	Staleness      time.Duration      `yaml:"staleness"`
}

// CanaryConfig tunes staged rollout evaluation.
type CanaryConfig struct {
	SampleFraction       float64       `yaml:"sampleFraction"`
	FailureRateThreshold float64       `yaml:"failureRateThreshold"`
	ObservationWindow    time.Duration `yaml:"observationWindow"`
	PollInterval         time.Duration `yaml:"pollInterval"`
}

// CorrelatorConfig tunes alert deduplication.
type CorrelatorConfig struct {
	DedupWindow  time.Duration `yaml:"dedupWindow"`
	RetainClosed int           `yaml:"retainClosed"`
}

// DecisionConfig tunes the reasoning consult and its runbook fallback.
type DecisionConfig struct {
	ConfidenceFloor float64       `yaml:"confidenceFloor"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryBackoff    time.Duration `yaml:"retryBackoff"`
	RunbookPath     string        `yaml:"runbookPath"`
}

// LifecycleConfig tunes incident phase sequencing.
type LifecycleConfig struct {
	MaxAssessmentTime time.Duration `yaml:"maxAssessmentTime"`
}

// RouterConfig tunes message delivery retries.
type RouterConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffMax  time.Duration `yaml:"backoffMax"`
}

// MonitoringConfig tunes the metric polling loop.
type MonitoringConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls the shared cache provider.
type CacheConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	DialTimeout       time.Duration `yaml:"dialTimeout"`
	ReadTimeout       time.Duration `yaml:"readTimeout"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	MaxRetries        int           `yaml:"maxRetries"`
	TLS               bool          `yaml:"tls"`
	RecommendationTTL time.Duration `yaml:"recommendationTTL"`
	StatusTTL         time.Duration `yaml:"statusTTL"`
	RunLockTTL        time.Duration `yaml:"runLockTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("REMEDIATE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			StatusAddress:   ":8080",
			MetricsAddress:  ":2112",
			GRPCAddress:     ":50051",
			GracefulTimeout: 10 * time.Second,
		},
		Clients: ClientsConfig{
			Infra: InfraClientConfig{
				BaseURL:             "http://localhost:9000",
				HealthPath:          "/health",
				MetricsPath:         "/metrics",
				DeployPath:          "/deploy",
				RollbackPath:        "/rollback",
				SimulateFailurePath: "/simulate-failure",
				Timeout:             5 * time.Second,
			},
			Reasoning: ReasoningClientConfig{
				Model:             "remediate-reasoner-v1",
				Timeout:           10 * time.Second,
				ConsultsPerMinute: 30,
			},
		},
		Detector: DetectorConfig{
			Alpha:      0.1,
			Deviation:  2.5,
			MinSamples: 10,
			HardThresholds: map[string]float64{
				"cpu":         90,
				"memory":      95,
				"error_rate":  0.05,
				"error_count": 10,
			},
			Staleness: 30 * time.Minute,
		},
		Canary: CanaryConfig{
			SampleFraction:       0.01,
			FailureRateThreshold: 0.5,
			ObservationWindow:    30 * time.Second,
			PollInterval:         5 * time.Second,
		},
		Correlator: CorrelatorConfig{
			DedupWindow:  5 * time.Minute,
			RetainClosed: 50,
		},
		Decision: DecisionConfig{
			ConfidenceFloor: 0.5,
			MaxRetries:      1,
			RetryBackoff:    500 * time.Millisecond,
			RunbookPath:     "configs/runbook/default.yaml",
		},
		Lifecycle: LifecycleConfig{MaxAssessmentTime: 30 * time.Second},
		Router: RouterConfig{
			MaxAttempts: 3,
			BackoffBase: 200 * time.Millisecond,
			BackoffMax:  5 * time.Second,
		},
		Monitoring: MonitoringConfig{PollInterval: 10 * time.Second},
		Registry: map[string]string{
			"canary":        "local/canary",
			"monitoring":    "local/monitoring",
			"response":      "local/response",
			"communication": "local/communication",
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:           false,
			DialTimeout:       2 * time.Second,
			ReadTimeout:       500 * time.Millisecond,
			WriteTimeout:      500 * time.Millisecond,
			MaxRetries:        2,
			RecommendationTTL: 10 * time.Minute,
			StatusTTL:         2 * time.Minute,
			RunLockTTL:        5 * time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REMEDIATE_STATUS_ADDRESS"); v != "" {
		cfg.Server.StatusAddress = v
	}
	if v := os.Getenv("REMEDIATE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("REMEDIATE_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("REMEDIATE_INFRA_BASE_URL"); v != "" {
		cfg.Clients.Infra.BaseURL = v
	}
	if v := os.Getenv("REMEDIATE_INFRA_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Clients.Infra.Timeout = d
		}
	}
	if v := os.Getenv("REMEDIATE_REASONING_BASE_URL"); v != "" {
		cfg.Clients.Reasoning.BaseURL = v
	}
	if v := os.Getenv("REMEDIATE_REASONING_MODEL"); v != "" {
		cfg.Clients.Reasoning.Model = v
	}
	if v := os.Getenv("REMEDIATE_REASONING_API_KEY"); v != "" {
		cfg.Clients.Reasoning.APIKey = v
	}
	if v := os.Getenv("REMEDIATE_REASONING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Clients.Reasoning.Timeout = d
		}
	}
	if v := os.Getenv("REMEDIATE_DETECTOR_MIN_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.MinSamples = n
		}
	}
	if v := os.Getenv("REMEDIATE_DETECTOR_DEVIATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.Deviation = f
		}
	}
	if v := os.Getenv("REMEDIATE_CANARY_SAMPLE_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Canary.SampleFraction = f
		}
	}
	if v := os.Getenv("REMEDIATE_CANARY_FAILURE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Canary.FailureRateThreshold = f
		}
	}
	if v := os.Getenv("REMEDIATE_CANARY_OBSERVATION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Canary.ObservationWindow = d
		}
	}
	if v := os.Getenv("REMEDIATE_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlator.DedupWindow = d
		}
	}
	if v := os.Getenv("REMEDIATE_MAX_ASSESSMENT_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.MaxAssessmentTime = d
		}
	}
	if v := os.Getenv("REMEDIATE_RUNBOOK_PATH"); v != "" {
		cfg.Decision.RunbookPath = v
	}
	if v := os.Getenv("REMEDIATE_MONITOR_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitoring.PollInterval = d
		}
	}
	if v := os.Getenv("REMEDIATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REMEDIATE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("REMEDIATE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("REMEDIATE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("REMEDIATE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("REMEDIATE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("REMEDIATE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("REMEDIATE_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	for _, role := range []string{"canary", "monitoring", "response", "communication"} {
		if v := os.Getenv("REMEDIATE_REGISTRY_" + strings.ToUpper(role)); v != "" {
			if cfg.Registry == nil {
				cfg.Registry = map[string]string{}
			}
			cfg.Registry[role] = v
		}
	}
}
