package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Transport    TransportConfig    `yaml:"transport"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	HIL          HILConfig          `yaml:"hil"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Ticketing    CollaboratorConfig `yaml:"ticketing"`
	Billing      CollaboratorConfig `yaml:"billing"`
	Retry        RetryConfig        `yaml:"retry"`
	API          APIConfig          `yaml:"api"`
	LogLevel     string             `yaml:"log_level"`
	// SeedDemo loads the demo customers into the in-memory store at startup.
	SeedDemo bool `yaml:"seed_demo"`
}

type TransportConfig struct {
	// Backend is "memory" or "kafka".
	Backend        string        `yaml:"backend"`
	BufferSize     int           `yaml:"buffer_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	SendAttempts   int           `yaml:"send_attempts"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
	GroupID     string   `yaml:"group_id"`
}

type PostgresConfig struct {
	// ConnString selects the Postgres store and ledger. Empty keeps state in memory.
	ConnString string `yaml:"conn_string"`
}

type MonitorConfig struct {
	Interval           time.Duration `yaml:"interval"`
	InactivityAfter    time.Duration `yaml:"inactivity_after"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	Parallelism        int           `yaml:"parallelism"`
	Priority           []string      `yaml:"priority"`
	EventsEndpoint     string        `yaml:"events_endpoint"`
}

type HILConfig struct {
	ApprovalTimeout time.Duration     `yaml:"approval_timeout"`
	SweepInterval   time.Duration     `yaml:"sweep_interval"`
	// Retention is how long decided requests stay listed before the sweep drops them.
	Retention       time.Duration     `yaml:"retention"`
	RiskThreshold   string            `yaml:"risk_threshold"`
	ActionRisk      map[string]string `yaml:"action_risk"`
}

type OrchestratorConfig struct {
	HistoryLength    int `yaml:"history_length"`
	MaxConversations int `yaml:"max_conversations"`
}

type CollaboratorConfig struct {
	// BaseURL selects the HTTP collaborator. Empty uses the in-process one.
	BaseURL           string  `yaml:"base_url"`
	Username          string  `yaml:"username"`
	Password          string  `yaml:"password"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Backend:        "memory",
			BufferSize:     256,
			RequestTimeout: 15 * time.Second,
			HandlerTimeout: 10 * time.Second,
			SendAttempts:   3,
		},
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			TopicPrefix: "aegis.agent.",
			GroupID:     "aegis",
		},
		Monitor: MonitorConfig{
			Interval:           60 * time.Second,
			InactivityAfter:    24 * time.Hour,
			ErrorRateThreshold: 0.10,
			Parallelism:        8,
			Priority:           []string{"error_debugging", "onboarding_check_in", "retention_outreach", "upsell_suggestion"},
			EventsEndpoint:     "interventions",
		},
		HIL: HILConfig{
			ApprovalTimeout: 30 * time.Minute,
			SweepInterval:   10 * time.Second,
			Retention:       24 * time.Hour,
			RiskThreshold:   "high",
		},
		Orchestrator: OrchestratorConfig{
			HistoryLength:    20,
			MaxConversations: 10000,
		},
		Ticketing: CollaboratorConfig{RequestsPerSecond: 5},
		Billing:   CollaboratorConfig{RequestsPerSecond: 5},
		Retry: RetryConfig{
			Attempts:  4,
			BaseDelay: 200 * time.Millisecond,
			MaxDelay:  5 * time.Second,
		},
		API: APIConfig{
			Addr: ":8001",
		},
		LogLevel: "info",
	}
}

func Load() (*Config, error) {
	cfg := Default()

	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	path := os.Getenv("AEGIS_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("AEGIS_TRANSPORT"); v != "" {
		cfg.Transport.Backend = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("POSTGRES_CONN_STRING"); v != "" {
		cfg.Postgres.ConnString = v
	}
	if v := os.Getenv("AEGIS_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("TICKETING_BASE_URL"); v != "" {
		cfg.Ticketing.BaseURL = v
	}
	if v := os.Getenv("BILLING_BASE_URL"); v != "" {
		cfg.Billing.BaseURL = v
	}
	if v := os.Getenv("AEGIS_SEED_DEMO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.SeedDemo = b
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MONITOR_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		cfg.Monitor.Interval = d
	}
	if v := os.Getenv("HIL_APPROVAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		cfg.HIL.ApprovalTimeout = d
	}
	return nil
}
