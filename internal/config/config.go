package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"MCP-Trader/internal/auth"
	"MCP-Trader/internal/broker"
	"MCP-Trader/internal/llm"
	"MCP-Trader/internal/observability/alerting"
	"MCP-Trader/internal/order"
	"MCP-Trader/internal/storage"
	"MCP-Trader/internal/textanalytics"
	"MCP-Trader/internal/trading"
	"MCP-Trader/pkg/logger"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "MCPTRADER"

// Config is everything mcptraderd needs at start-up.
type Config struct {
	Logging       logger.Config        `yaml:"logging"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	API           APIConfig            `yaml:"api"`
	Runtime       RuntimeConfig        `yaml:"runtime"`
	Broker        broker.Config        `yaml:"broker"`
	Storage       storage.Config       `yaml:"storage"`
	LLM           llm.Config           `yaml:"llm"`
	Trading       trading.Config       `yaml:"trading"`
	TextAnalytics textanalytics.Config `yaml:"text_analytics" split_words:"true"`
	Agents        AgentsConfig         `yaml:"agents"`
	Coordinator   CoordinatorConfig    `yaml:"coordinator"`
	Execution     ExecutionConfig      `yaml:"execution"`
	Alerting      AlertingConfig       `yaml:"alerting"`
}

// MetricsConfig controls the standalone /metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// APIConfig controls the ops HTTP API. No tokens leaves it open.
type APIConfig struct {
	Enabled bool         `yaml:"enabled"`
	Address string       `yaml:"address"`
	Tokens  []auth.Token `yaml:"tokens" ignored:"true"`
}

// RuntimeConfig holds process-wide paths. Relative file locations elsewhere
// in the config are resolved against DataDir.
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" split_words:"true"`
}

// AgentIDs names every agent role hosted by the daemon.
type AgentIDs struct {
	Coordinator string `yaml:"coordinator"`
	MarketData  string `yaml:"market_data" split_words:"true"`
	News        string `yaml:"news"`
	Signal      string `yaml:"signal"`
	Execution   string `yaml:"execution"`
}

// NewsConfig feeds the news agent.
type NewsConfig struct {
	ArticlesPath string   `yaml:"articles_path" split_words:"true"`
	Keywords     []string `yaml:"keywords"`
	MaxArticles  int      `yaml:"max_articles" split_words:"true"`
}

// AgentsConfig covers the runtime loop shared by every agent.
type AgentsConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval" split_words:"true"`
	MaxReceiveFailures int           `yaml:"max_receive_failures" split_words:"true"`
	// Run lists the roles started in this process: coordinator, market_data,
	// news, signal, execution.
	Run  []string   `yaml:"run"`
	IDs  AgentIDs   `yaml:"ids"`
	News NewsConfig `yaml:"news"`
}

// SectionRule maps agent ids containing Match to an integration section.
type SectionRule struct {
	Match   string `yaml:"match"`
	Section string `yaml:"section"`
}

// CoordinatorConfig drives the conversation state machine.
type CoordinatorConfig struct {
	DataAgents          []string      `yaml:"data_agents" split_words:"true"`
	DecisionAgents      []string      `yaml:"decision_agents" split_words:"true"`
	ExecutionAgent      string        `yaml:"execution_agent" split_words:"true"`
	Tickers             []string      `yaml:"tickers"`
	Sections            []SectionRule `yaml:"sections"`
	UnknownConversation string        `yaml:"unknown_conversation" split_words:"true"`
	StallTimeout        time.Duration `yaml:"stall_timeout" split_words:"true"`
	Retention           time.Duration `yaml:"retention"`
	SweepInterval       time.Duration `yaml:"sweep_interval" split_words:"true"`
	CycleInterval       time.Duration `yaml:"cycle_interval" split_words:"true"`
}

// ExecutionConfig is the option set of the order lifecycle manager.
type ExecutionConfig struct {
	SimulationMode    bool          `yaml:"simulation_mode" split_words:"true"`
	MaxRetries        int           `yaml:"max_retries" split_words:"true"`
	RetryDelay        time.Duration `yaml:"retry_delay" split_words:"true"`
	ConfirmChecks     int           `yaml:"confirm_checks" split_words:"true"`
	ConfirmInterval   time.Duration `yaml:"confirm_interval" split_words:"true"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" split_words:"true"`
	MinConfidence     float64       `yaml:"min_confidence" split_words:"true"`
}

// AlertingConfig selects the notifiers.
type AlertingConfig struct {
	Log      bool                   `yaml:"log"`
	RabbitMQ RabbitMQAlertingConfig `yaml:"rabbitmq"`
}

// RabbitMQAlertingConfig enables the queue notifier.
type RabbitMQAlertingConfig struct {
	Enabled                 bool `yaml:"enabled"`
	alerting.RabbitMQConfig `yaml:",inline"`
}

// Default returns the configuration used before any file or environment
// override is applied.
func Default() Config {
	return Config{
		Logging: logger.Config{Level: "info", Format: "json", OutputPaths: []string{"stdout"}},
		Metrics: MetricsConfig{Enabled: true, Address: ":9090"},
		API:     APIConfig{Enabled: true, Address: ":8080"},
		Runtime: RuntimeConfig{DataDir: "data"},
		Broker:  broker.Config{Driver: "sqlite", DSN: "broker.db"},
		Storage: storage.Config{
			Records: storage.RecordsConfig{Driver: "sqlite", DSN: "records.db"},
			Blobs:   storage.BlobsConfig{Driver: "fs", Dir: "blobs"},
		},
		LLM: llm.Config{
			Model:   "anthropic.claude-3-sonnet-20240229-v1:0",
			Region:  "us-east-1",
			Timeout: 60 * time.Second,
		},
		Trading: trading.Config{
			BaseURL: "http://localhost:8000/api/v1",
			Timeout: 10 * time.Second,
		},
		TextAnalytics: textanalytics.Config{Driver: "neutral", Region: "us-east-1", LanguageCode: "en"},
		Agents: AgentsConfig{
			PollInterval: time.Second,
			Run:          []string{"coordinator", "market_data", "news", "signal", "execution"},
			IDs: AgentIDs{
				Coordinator: "coordinator",
				MarketData:  "stock_price_agent",
				News:        "news_agent",
				Signal:      "signal_agent",
				Execution:   "execution_agent",
			},
			News: NewsConfig{ArticlesPath: "articles.json", MaxArticles: 20},
		},
		Coordinator: CoordinatorConfig{
			DataAgents:     []string{"stock_price_agent", "news_agent"},
			DecisionAgents: []string{"signal_agent"},
			ExecutionAgent: "execution_agent",
			Tickers:        []string{"7203", "9432", "9984", "6758", "6861"},
			Sections: []SectionRule{
				{Match: "stock_price_agent", Section: "market_data"},
				{Match: "news_agent", Section: "news_data"},
				{Match: "policy_agent", Section: "policy_data"},
				{Match: "technical_agent", Section: "technical_data"},
			},
			UnknownConversation: "create",
			StallTimeout:        5 * time.Minute,
			Retention:           time.Hour,
			SweepInterval:       30 * time.Second,
		},
		Execution: ExecutionConfig{
			SimulationMode:    true,
			MaxRetries:        3,
			RetryDelay:        2 * time.Second,
			ConfirmChecks:     5,
			ConfirmInterval:   2 * time.Second,
			ReconcileInterval: 30 * time.Second,
			MinConfidence:     0.4,
		},
		Alerting: AlertingConfig{Log: true},
	}
}

// Load builds the configuration. path may be empty, in which case only the
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	baseDir := "."

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeYAML(content, &cfg); err != nil {
			return nil, err
		}
		baseDir = filepath.Dir(path)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	cfg.resolvePaths(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(content []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(content))
	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// LoadEnvFile exports the KEY=VALUE pairs of a dotenv file into the process
// environment. Variables already set are left alone. A missing file is not
// an error unless required is true.
func LoadEnvFile(path string, required bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("env file %s is a directory", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	for k, val := range v.AllSettings() {
		key := strings.ToUpper(k)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) resolvePaths(baseDir string) {
	if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if strings.EqualFold(c.Broker.Driver, "sqlite") {
		c.Broker.DSN = c.inDataDir(c.Broker.DSN)
	}
	if strings.EqualFold(c.Storage.Records.Driver, "sqlite") {
		c.Storage.Records.DSN = c.inDataDir(c.Storage.Records.DSN)
	}
	if strings.EqualFold(c.Storage.Blobs.Driver, "fs") {
		c.Storage.Blobs.Dir = c.inDataDir(c.Storage.Blobs.Dir)
	}
	if c.Agents.News.ArticlesPath != "" {
		c.Agents.News.ArticlesPath = c.inDataDir(c.Agents.News.ArticlesPath)
	}
}

func (c *Config) inDataDir(p string) string {
	if p == "" || filepath.IsAbs(p) || p == ":memory:" || strings.HasPrefix(p, "file:") {
		return p
	}
	return filepath.Join(c.Runtime.DataDir, p)
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Execution.MaxRetries < 1 {
		errs = append(errs, errors.New("execution.max_retries must be at least 1"))
	}
	if c.Execution.RetryDelay < 0 || c.Execution.ConfirmInterval < 0 {
		errs = append(errs, errors.New("execution delays cannot be negative"))
	}
	if c.Execution.MinConfidence < order.MinConfidenceFloor || c.Execution.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("execution.min_confidence must be within [%g,1]", order.MinConfidenceFloor))
	}
	if c.Agents.PollInterval <= 0 {
		errs = append(errs, errors.New("agents.poll_interval must be positive"))
	}
	if len(c.Coordinator.DataAgents) == 0 {
		errs = append(errs, errors.New("coordinator.data_agents cannot be empty"))
	}
	if len(c.Coordinator.DecisionAgents) == 0 {
		errs = append(errs, errors.New("coordinator.decision_agents cannot be empty"))
	}
	if strings.TrimSpace(c.Coordinator.ExecutionAgent) == "" {
		errs = append(errs, errors.New("coordinator.execution_agent cannot be empty"))
	}
	switch c.Coordinator.UnknownConversation {
	case "create", "reject":
	default:
		errs = append(errs, fmt.Errorf("coordinator.unknown_conversation %q must be create or reject", c.Coordinator.UnknownConversation))
	}
	if c.Coordinator.StallTimeout < 0 || c.Coordinator.Retention < 0 {
		errs = append(errs, errors.New("coordinator durations cannot be negative"))
	}
	for _, rule := range c.Coordinator.Sections {
		if rule.Match == "" || rule.Section == "" {
			errs = append(errs, errors.New("coordinator.sections entries need match and section"))
			break
		}
	}
	if c.LLM.Family != "" {
		if _, err := llm.ParseFamily(c.LLM.Family); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Alerting.RabbitMQ.Enabled && c.Alerting.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("alerting.rabbitmq.url is required when enabled"))
	}
	return errors.Join(errs...)
}

// Runs reports whether role is listed in agents.run.
func (c *Config) Runs(role string) bool {
	for _, r := range c.Agents.Run {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}
