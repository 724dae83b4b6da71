package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Pagination variants
const (
	VariantCursor  = "cursor"
	VariantRange   = "range"
	VariantChanged = "changed"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the dataflows service
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Destination DestinationConfig `yaml:"destination"`
	State       StateConfig       `yaml:"state"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Server      ServerConfig      `yaml:"server"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Slack       SlackConfig       `yaml:"slack"`
	Pipelines   []PipelineConfig  `yaml:"pipelines"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// SourceConfig holds the legacy SQL Server connection settings
type SourceConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`
	Encrypt         string `yaml:"encrypt"`           // disable, false, true (default: true)
	TrustServerCert bool   `yaml:"trust_server_cert"` // trust server certificate (default: false)
	MaxConnections  int    `yaml:"max_connections"`
}

// DestinationConfig holds the target document store settings
type DestinationConfig struct {
	Type string `yaml:"type"` // "mongo" (default) or "postgres"

	// MongoDB
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`

	// PostgreSQL
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Schema         string `yaml:"schema"`
	SSLMode        string `yaml:"ssl_mode"` // disable, require, verify-ca, verify-full (default: require)
	MaxConnections int    `yaml:"max_connections"`
}

// StateConfig selects the runtime state backend
type StateConfig struct {
	Backend    string `yaml:"backend"`    // "sqlite" (default), "file" or "mongo"
	DataDir    string `yaml:"data_dir"`   // sqlite database directory
	File       string `yaml:"file"`       // YAML state file for the file backend
	MongoURI   string `yaml:"mongo_uri"`  // defaults to destination.uri
	Database   string `yaml:"database"`   // defaults to destination.database
	Collection string `yaml:"collection"` // default: runtime-state
}

// QueueConfig selects the message channel backend
type QueueConfig struct {
	Backend           string        `yaml:"backend"` // "redis", "sqlite" (default) or "memory"
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	Prefix            string        `yaml:"prefix"` // key prefix for redis lists (default: dataflows)
	DataDir           string        `yaml:"data_dir"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"` // sqlite: redelivery after this long without ack; redis: consumer lease
}

// WorkerConfig controls the queue consumers
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`      // consumers per channel
	PollWait        time.Duration `yaml:"poll_wait"`        // blocking receive timeout
	RedeliveryDelay time.Duration `yaml:"redelivery_delay"` // pause before a failed message is released
}

// ServerConfig holds the HTTP trigger settings
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PipelineConfig describes one migration or sync dataflow
type PipelineConfig struct {
	Name         string        `yaml:"name"`
	Variant      string        `yaml:"variant"`       // cursor, range or changed
	DocumentType string        `yaml:"document_type"` // written into every primary document
	PageSize     int           `yaml:"page_size"`
	RetryLimit   int           `yaml:"retry_limit"`
	Concurrency  int           `yaml:"concurrency"` // records processed in parallel per page
	Schedule     string        `yaml:"schedule"`    // cron expression with seconds, e.g. "0 30 9 * * *"
	Source       SourceQuery   `yaml:"source"`
	Target       TargetMapping `yaml:"target"`
}

// SourceQuery describes where a pipeline reads its legacy records
type SourceQuery struct {
	Table        string      `yaml:"table"`
	IDColumn     string      `yaml:"id_column"`
	Columns      []string    `yaml:"columns"`
	StagingTable string      `yaml:"staging_table"` // range variant
	ChangeTable  string      `yaml:"change_table"`  // changed variant
	ChangeColumn string      `yaml:"change_column"` // monotonically increasing transaction id
	ChangeID     string      `yaml:"change_id"`     // entity id column in the change table
	Children     *ChildQuery `yaml:"children,omitempty"`
}

// ChildQuery describes secondary rows fetched for each record (e.g. appointments)
type ChildQuery struct {
	Table        string   `yaml:"table"`
	ParentColumn string   `yaml:"parent_column"`
	Columns      []string `yaml:"columns"`
}

// TargetMapping describes how records become destination documents
type TargetMapping struct {
	Collection string            `yaml:"collection"`
	Fields     map[string]string `yaml:"fields"`   // source column -> document field
	Required   []string          `yaml:"required"` // document fields that must be non-empty
	Children   *ChildMapping     `yaml:"children,omitempty"`
}

// ChildMapping describes how child rows become secondary documents
type ChildMapping struct {
	Collection   string            `yaml:"collection"`
	DocumentType string            `yaml:"document_type"`
	Fields       map[string]string `yaml:"fields"`
	ScopeFields  []string          `yaml:"scope_fields"` // document fields forming the dedup scope
	TypeField    string            `yaml:"type_field"`
	AllowedTypes []string          `yaml:"allowed_types"` // empty allows every type
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for state and queue storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".dataflows")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// Pipeline returns the named pipeline configuration.
func (c *Config) Pipeline(name string) (*PipelineConfig, error) {
	for i := range c.Pipelines {
		if c.Pipelines[i].Name == name {
			return &c.Pipelines[i], nil
		}
	}
	return nil, fmt.Errorf("unknown pipeline %q", name)
}

// PipelineNames returns the configured pipeline names in file order.
func (c *Config) PipelineNames() []string {
	names := make([]string, 0, len(c.Pipelines))
	for _, p := range c.Pipelines {
		names = append(names, p.Name)
	}
	return names
}

func (c *Config) applyDefaults() {
	home, _ := os.UserHomeDir()
	defaultDir := filepath.Join(home, ".dataflows")

	if c.Source.Port == 0 {
		c.Source.Port = 1433
	}
	if c.Source.Schema == "" {
		c.Source.Schema = "dbo"
	}
	if c.Source.Encrypt == "" {
		c.Source.Encrypt = "true" // Secure default for MSSQL
	}
	if c.Source.MaxConnections == 0 {
		c.Source.MaxConnections = 8
	}

	if c.Destination.Type == "" {
		c.Destination.Type = "mongo"
	}
	if c.Destination.Type == "postgres" {
		if c.Destination.Port == 0 {
			c.Destination.Port = 5432
		}
		if c.Destination.Schema == "" {
			c.Destination.Schema = "public"
		}
		if c.Destination.SSLMode == "" {
			c.Destination.SSLMode = "require" // Secure default for PostgreSQL
		}
	}
	if c.Destination.MaxConnections == 0 {
		c.Destination.MaxConnections = 8
	}

	if c.State.Backend == "" {
		c.State.Backend = "sqlite"
	}
	if c.State.DataDir == "" {
		c.State.DataDir = defaultDir
	} else {
		c.State.DataDir = expandTilde(c.State.DataDir)
	}
	c.State.File = expandTilde(c.State.File)
	if c.State.MongoURI == "" {
		c.State.MongoURI = c.Destination.URI
	}
	if c.State.Database == "" {
		c.State.Database = c.Destination.Database
	}
	if c.State.Collection == "" {
		c.State.Collection = "runtime-state"
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "sqlite"
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = "dataflows"
	}
	if c.Queue.DataDir == "" {
		c.Queue.DataDir = c.State.DataDir
	} else {
		c.Queue.DataDir = expandTilde(c.Queue.DataDir)
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = 5 * time.Minute
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = DetectHost().WorkerConcurrency()
	}
	if c.Worker.PollWait == 0 {
		c.Worker.PollWait = 5 * time.Second
	}
	if c.Worker.RedeliveryDelay == 0 {
		c.Worker.RedeliveryDelay = 10 * time.Second
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":7071"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	for i := range c.Pipelines {
		c.Pipelines[i].applyDefaults()
	}
}

func (p *PipelineConfig) applyDefaults() {
	if p.Variant == "" {
		p.Variant = VariantCursor
	}
	if p.PageSize == 0 {
		switch p.Variant {
		case VariantRange:
			p.PageSize = 1000
		case VariantChanged:
			p.PageSize = 100
		default:
			p.PageSize = 50 // child lookups make cursor pages expensive
		}
	}
	if p.RetryLimit == 0 {
		p.RetryLimit = 3
	}
	if p.Concurrency == 0 {
		p.Concurrency = 4
	}
	if p.DocumentType == "" {
		p.DocumentType = strings.ToUpper(p.Name)
	}
	if p.Target.Collection == "" {
		p.Target.Collection = p.Name
	}
	if p.Source.ChangeID == "" {
		p.Source.ChangeID = p.Source.IDColumn
	}
	if ch := p.Target.Children; ch != nil && ch.Collection == "" {
		ch.Collection = p.Target.Collection
	}
}

func (c *Config) validate() error {
	if c.Source.Host == "" {
		return fmt.Errorf("source.host is required")
	}
	if c.Source.Database == "" {
		return fmt.Errorf("source.database is required")
	}

	switch c.Destination.Type {
	case "mongo":
		if c.Destination.URI == "" {
			return fmt.Errorf("destination.uri is required for mongo")
		}
		if c.Destination.Database == "" {
			return fmt.Errorf("destination.database is required for mongo")
		}
	case "postgres":
		if c.Destination.Host == "" {
			return fmt.Errorf("destination.host is required for postgres")
		}
		if c.Destination.Database == "" {
			return fmt.Errorf("destination.database is required for postgres")
		}
	default:
		return fmt.Errorf("destination.type must be 'mongo' or 'postgres', got '%s'", c.Destination.Type)
	}

	switch c.State.Backend {
	case "sqlite":
	case "file":
		if c.State.File == "" {
			return fmt.Errorf("state.file is required for the file backend")
		}
	case "mongo":
		if c.State.MongoURI == "" || c.State.Database == "" {
			return fmt.Errorf("state.mongo_uri and state.database are required for the mongo backend")
		}
	default:
		return fmt.Errorf("state.backend must be 'sqlite', 'file' or 'mongo', got '%s'", c.State.Backend)
	}

	switch c.Queue.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be 'redis', 'sqlite' or 'memory', got '%s'", c.Queue.Backend)
	}

	if len(c.Pipelines) == 0 {
		return fmt.Errorf("at least one pipeline is required")
	}
	seen := make(map[string]bool)
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if p.Name == "" {
			return fmt.Errorf("pipelines[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pipeline name %q", p.Name)
		}
		seen[p.Name] = true
		if err := p.validate(); err != nil {
			return fmt.Errorf("pipeline %s: %w", p.Name, err)
		}
	}
	return nil
}

func (p *PipelineConfig) validate() error {
	if p.PageSize < 1 {
		return fmt.Errorf("page_size must be positive")
	}
	if p.RetryLimit < 1 {
		return fmt.Errorf("retry_limit must be positive")
	}
	if p.Source.Table == "" || p.Source.IDColumn == "" {
		return fmt.Errorf("source.table and source.id_column are required")
	}
	switch p.Variant {
	case VariantCursor:
	case VariantRange:
		if p.Source.StagingTable == "" {
			return fmt.Errorf("source.staging_table is required for the range variant")
		}
	case VariantChanged:
		if p.Source.ChangeTable == "" || p.Source.ChangeColumn == "" {
			return fmt.Errorf("source.change_table and source.change_column are required for the changed variant")
		}
	default:
		return fmt.Errorf("variant must be 'cursor', 'range' or 'changed', got '%s'", p.Variant)
	}
	if p.Schedule != "" {
		if _, err := ScheduleParser.Parse(p.Schedule); err != nil {
			return fmt.Errorf("invalid value for schedule %q: %w", p.Schedule, err)
		}
	}
	if (p.Source.Children == nil) != (p.Target.Children == nil) {
		return fmt.Errorf("source.children and target.children must be configured together")
	}
	if p.Source.Children != nil && (p.Source.Children.Table == "" || p.Source.Children.ParentColumn == "") {
		return fmt.Errorf("source.children.table and source.children.parent_column are required")
	}
	return nil
}

// ScheduleParser parses six-field cron expressions (seconds first).
var ScheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// SourceDSN returns the legacy SQL Server connection string
func (c *Config) SourceDSN() string {
	trustCert := "false"
	if c.Source.TrustServerCert {
		trustCert = "true"
	}
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s&TrustServerCertificate=%s",
		url.QueryEscape(c.Source.User), url.QueryEscape(c.Source.Password),
		c.Source.Host, c.Source.Port, url.QueryEscape(c.Source.Database), c.Source.Encrypt, trustCert)
}

// DestinationDSN returns the PostgreSQL connection string for the postgres destination
func (c *Config) DestinationDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.Destination.User), url.QueryEscape(c.Destination.Password),
		c.Destination.Host, c.Destination.Port, url.PathEscape(c.Destination.Database), c.Destination.SSLMode)
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	sanitized.Source.Password = "[REDACTED]"
	if sanitized.Destination.Password != "" {
		sanitized.Destination.Password = "[REDACTED]"
	}
	sanitized.Destination.URI = redactURI(sanitized.Destination.URI)
	sanitized.State.MongoURI = redactURI(sanitized.State.MongoURI)
	if sanitized.Queue.RedisPassword != "" {
		sanitized.Queue.RedisPassword = "[REDACTED]"
	}
	if sanitized.Server.APIKey != "" {
		sanitized.Server.APIKey = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}

// redactURI hides the password component of a connection URI
func redactURI(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "REDACTED")
	}
	return u.String()
}
