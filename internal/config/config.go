package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"briefline/internal/workflow"
)

// Config models briefline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// PublicURL is the externally reachable base used in agent callback URLs.
		PublicURL string `yaml:"public_url"`
		// DevLogin enables POST /auth/dev/login. Never enable in production.
		DevLogin      bool          `yaml:"dev_login"`
		TopicTokenTTL time.Duration `yaml:"topic_token_ttl"`
	} `yaml:"server"`
	Dispatch struct {
		MaxAttempts uint64        `yaml:"max_attempts"`
		BackoffStep time.Duration `yaml:"backoff_step"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"dispatch"`
	NATS struct {
		URL               string        `yaml:"url"`
		Stream            string        `yaml:"stream"`
		Consumer          string        `yaml:"consumer"`
		MaxDeliver        int           `yaml:"max_deliver"`
		AckWait           time.Duration `yaml:"ack_wait"`
		NakDelay          time.Duration `yaml:"nak_delay"`
		DeadLetterSubject string        `yaml:"dead_letter_subject"`
	} `yaml:"nats"`
	Agents        map[workflow.Stage]AgentConfig `yaml:"agents"`
	Notifications struct {
		// Broker is "hub" (in-process) or "nats".
		Broker         string        `yaml:"broker"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
		BufferSize     int           `yaml:"buffer_size"`
	} `yaml:"notifications"`
	Recovery struct {
		// DeferRecoverable leaves the status untouched for recoverable failures
		// so an upstream retry can still complete the stage.
		DeferRecoverable bool `yaml:"defer_recoverable"`
	} `yaml:"recovery"`
	Client struct {
		StrategyPollAttempts int                              `yaml:"strategy_poll_attempts"`
		StrategyPollInterval time.Duration                    `yaml:"strategy_poll_interval"`
		SlowAfter            map[workflow.Stage]time.Duration `yaml:"slow_after"`
	} `yaml:"client"`
}

type AgentConfig struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with bl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Dispatch.MaxAttempts == 0 {
		return fmt.Errorf("config.dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.BackoffStep < 0 {
		return fmt.Errorf("config.dispatch.backoff_step must not be negative")
	}
	for stage, agent := range c.Agents {
		if _, ok := workflow.Lookup(stage); !ok {
			return fmt.Errorf("config.agents has unknown stage %s", stage)
		}
		if agent.ID == "" {
			return fmt.Errorf("agent for stage %s has empty id", stage)
		}
		if agent.Endpoint != "" {
			if _, err := url.ParseRequestURI(agent.Endpoint); err != nil {
				return fmt.Errorf("agent for stage %s has invalid endpoint: %w", stage, err)
			}
		}
	}
	switch c.Notifications.Broker {
	case "", "hub":
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("config.notifications.broker nats requires config.nats.url")
		}
	default:
		return fmt.Errorf("config.notifications.broker must be hub or nats")
	}
	if c.NATS.URL != "" {
		if c.NATS.Stream == "" || c.NATS.Consumer == "" {
			return fmt.Errorf("config.nats.stream and config.nats.consumer are required when nats.url is set")
		}
		if c.NATS.MaxDeliver < 1 {
			return fmt.Errorf("config.nats.max_deliver must be at least 1")
		}
	}
	for stage := range c.Client.SlowAfter {
		if _, ok := workflow.Lookup(stage); !ok {
			return fmt.Errorf("config.client.slow_after has unknown stage %s", stage)
		}
	}
	if c.Client.StrategyPollAttempts < 1 {
		return fmt.Errorf("config.client.strategy_poll_attempts must be at least 1")
	}
	return nil
}

// Agent returns the agent configured for stage.
func (c *Config) Agent(stage workflow.Stage) (AgentConfig, bool) {
	a, ok := c.Agents[stage]
	return a, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "briefline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  public_url: http://127.0.0.1:8080
  dev_login: false
  topic_token_ttl: 15m

dispatch:
  max_attempts: 3
  backoff_step: 1s
  timeout: 30s

nats:
  url: ""
  stream: LIFECYCLE
  consumer: briefline-saga
  max_deliver: 5
  ack_wait: 30s
  nak_delay: 2s
  dead_letter_subject: lifecycle.dead

agents:
  persona:
    id: persona-agent
    endpoint: http://127.0.0.1:9000/agents/persona
  competitor_detection:
    id: competitor-detection-agent
    endpoint: http://127.0.0.1:9000/agents/competitor_detection
  competitor_analysis:
    id: competitor-analysis-agent
    endpoint: http://127.0.0.1:9000/agents/competitor_analysis
  strategy:
    id: strategy-agent
    endpoint: http://127.0.0.1:9000/agents/strategy
  assets:
    id: assets-agent
    endpoint: http://127.0.0.1:9000/agents/assets

notifications:
  broker: hub
  publish_timeout: 2s
  buffer_size: 64

recovery:
  defer_recoverable: false

client:
  strategy_poll_attempts: 30
  strategy_poll_interval: 1s
  slow_after:
    persona: 2m
    competitor_detection: 3m
    competitor_analysis: 5m
    strategy: 5m
    assets: 10m
`
