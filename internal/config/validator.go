package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rohankatakam/retailgraph/internal/errors"
)

// ValidationContext specifies what configuration is required
type ValidationContext string

const (
	// ValidationContextProduce - produce needs the stream and the input files
	ValidationContextProduce ValidationContext = "produce"
	// ValidationContextConsume - consume needs the stream, Neo4j, checkpoints and the DLQ
	ValidationContextConsume ValidationContext = "consume"
	// ValidationContextReplay - consume without Neo4j, into an in-memory graph
	ValidationContextReplay ValidationContext = "replay"
	// ValidationContextGraph - graph commands need Neo4j only
	ValidationContextGraph ValidationContext = "graph"
	// ValidationContextAll - validate all configuration
	ValidationContextAll ValidationContext = "all"
)

// ValidationResult holds validation results
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// AddError adds an error to the validation result
func (vr *ValidationResult) AddError(format string, args ...interface{}) {
	vr.Valid = false
	vr.Errors = append(vr.Errors, fmt.Sprintf(format, args...))
}

// AddWarning adds a warning to the validation result
func (vr *ValidationResult) AddWarning(format string, args ...interface{}) {
	vr.Warnings = append(vr.Warnings, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are any errors
func (vr *ValidationResult) HasErrors() bool {
	return !vr.Valid || len(vr.Errors) > 0
}

// Error returns a formatted error message
func (vr *ValidationResult) Error() string {
	if !vr.HasErrors() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err))
	}
	if len(vr.Warnings) > 0 {
		sb.WriteString("warnings:\n")
		for _, warn := range vr.Warnings {
			sb.WriteString(fmt.Sprintf("  - %s\n", warn))
		}
	}
	return sb.String()
}

// Validate validates configuration for the given context with auto-detected mode
func (c *Config) Validate(ctx ValidationContext) *ValidationResult {
	return c.ValidateWithMode(ctx, DetectMode())
}

// ValidateWithMode validates configuration for the given context and deployment mode
func (c *Config) ValidateWithMode(ctx ValidationContext, mode DeploymentMode) *ValidationResult {
	result := &ValidationResult{Valid: true}

	switch ctx {
	case ValidationContextProduce:
		c.validateStream(result, mode)
		c.validateProducer(result)
		c.validateDedupe(result)
	case ValidationContextConsume:
		c.validateStream(result, mode)
		c.validateNeo4j(result, mode)
		c.validateCheckpoint(result)
		c.validateDLQ(result)
		c.validateConsumer(result)
	case ValidationContextReplay:
		c.validateStream(result, mode)
		c.validateCheckpoint(result)
		c.validateDLQ(result)
		c.validateConsumer(result)
	case ValidationContextGraph:
		c.validateNeo4j(result, mode)
	case ValidationContextAll:
		c.validateStream(result, mode)
		c.validateNeo4j(result, mode)
		c.validateCheckpoint(result)
		c.validateDLQ(result)
		c.validateProducer(result)
		c.validateConsumer(result)
		c.validateDedupe(result)
	}
	return result
}

// Require validates for ctx and returns a fatal config error when invalid
func (c *Config) Require(ctx ValidationContext) (*ValidationResult, error) {
	result := c.Validate(ctx)
	if result.HasErrors() {
		return result, errors.ConfigError(result.Error())
	}
	return result, nil
}

func (c *Config) validateStream(result *ValidationResult, mode DeploymentMode) {
	s := c.Stream
	if s.Topic == "" {
		result.AddError("stream.topic is required")
	}
	if s.Partitions < 1 {
		result.AddError("stream.partitions must be at least 1, got %d", s.Partitions)
	}

	switch s.Driver {
	case "kafka":
		if len(s.Kafka.Brokers) == 0 {
			result.AddError("KAFKA_BROKERS is required for the kafka driver")
		}
		for _, b := range s.Kafka.Brokers {
			if mode.RequiresRemoteServices() && strings.HasPrefix(b, "localhost") {
				result.AddError("kafka broker %s is localhost; not allowed in %s mode", b, mode)
			}
		}
		if s.Kafka.GroupID == "" {
			result.AddWarning("stream.kafka.group_id is empty; consumer offsets will not be mirrored to Kafka")
		}
	case "rabbitmq":
		if _, err := url.Parse(s.RabbitMQ.URL); err != nil || s.RabbitMQ.URL == "" {
			result.AddError("RABBITMQ_URL is invalid or missing")
		}
	case "memory":
		result.AddWarning("stream.driver is memory; events do not outlive the process")
	default:
		result.AddError("stream.driver must be kafka, rabbitmq or memory, got %q", s.Driver)
	}
}

func (c *Config) validateNeo4j(result *ValidationResult, mode DeploymentMode) {
	if c.Neo4j.URI == "" {
		result.AddError("NEO4J_URI is required but not set")
	} else if u, err := url.Parse(c.Neo4j.URI); err != nil {
		result.AddError("NEO4J_URI is invalid: %v", err)
	} else if mode.RequiresRemoteServices() && u.Hostname() == "localhost" {
		result.AddError("Neo4j URI uses localhost; not allowed in %s mode", mode)
	}

	if c.Neo4j.User == "" {
		result.AddError("NEO4J_USER is required but not set")
	}
	if c.Neo4j.Password == "" {
		result.AddError("NEO4J_PASSWORD is required but not set")
	} else if mode.RequiresSecureCredentials() {
		for _, insecure := range []string{"password", "neo4j", "retailgraph"} {
			if c.Neo4j.Password == insecure {
				result.AddError("NEO4J_PASSWORD is an insecure default (%s); not allowed in %s mode", insecure, mode)
			}
		}
	}

	switch c.Neo4j.BatchProfile {
	case "", "default", "small", "large":
	default:
		result.AddError("neo4j.batch_profile must be default, small or large, got %q", c.Neo4j.BatchProfile)
	}
	if c.Neo4j.BatchScale < 0 {
		result.AddError("neo4j.batch_scale must not be negative")
	}
}

func (c *Config) validateCheckpoint(result *ValidationResult) {
	switch c.Checkpoint.Backend {
	case "bolt":
		if c.Checkpoint.Path == "" {
			result.AddError("checkpoint.path is required for the bolt backend")
		}
	case "postgres":
		if !strings.HasPrefix(c.Checkpoint.PostgresDSN, "postgres://") && !strings.HasPrefix(c.Checkpoint.PostgresDSN, "postgresql://") {
			result.AddError("POSTGRES_DSN must start with postgres:// or postgresql://")
		}
	case "memory":
		result.AddWarning("checkpoint.backend is memory; restarts replay the whole stream")
	default:
		result.AddError("checkpoint.backend must be bolt, postgres or memory, got %q", c.Checkpoint.Backend)
	}
}

func (c *Config) validateDLQ(result *ValidationResult) {
	switch c.DLQ.Driver {
	case "sqlite3", "postgres":
		if c.DLQ.DSN == "" {
			result.AddError("dlq.dsn is required")
		}
	default:
		result.AddError("dlq.driver must be sqlite3 or postgres, got %q", c.DLQ.Driver)
	}
}

func (c *Config) validateProducer(result *ValidationResult) {
	p := c.Producer
	if p.Customers == "" && p.Articles == "" && p.Transactions == "" {
		result.AddError("at least one of producer.customers, producer.articles, producer.transactions is required")
	}
	if p.Lanes < 1 {
		result.AddError("producer.lanes must be at least 1")
	}
	if p.RateLimit < 0 {
		result.AddError("producer.rate_limit must not be negative")
	}
	if p.MaxRows < 0 {
		result.AddError("producer.max_rows must not be negative")
	}
	if p.Retry.MaxAttempts < 1 {
		result.AddWarning("producer.retry.max_attempts < 1, will use default")
	}
}

func (c *Config) validateConsumer(result *ValidationResult) {
	cc := c.Consumer
	switch cc.StartPosition {
	case "earliest", "latest":
	default:
		result.AddError("consumer.start_position must be earliest or latest, got %q", cc.StartPosition)
	}
	if cc.BatchSize < 1 {
		result.AddError("consumer.batch_size must be at least 1")
	}
	for _, p := range cc.Partitions {
		if p < 0 || p >= c.Stream.Partitions {
			result.AddError("consumer.partitions: %d is outside 0..%d", p, c.Stream.Partitions-1)
		}
	}
}

func (c *Config) validateDedupe(result *ValidationResult) {
	if !c.Dedupe.Enabled {
		return
	}
	switch c.Dedupe.Backend {
	case "memory":
	case "redis":
		if c.Dedupe.RedisAddr == "" {
			result.AddError("REDIS_ADDR is required for the redis dedupe backend")
		}
	default:
		result.AddError("dedupe.backend must be memory or redis, got %q", c.Dedupe.Backend)
	}
}
