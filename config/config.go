package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/mailfilter/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds the Postgres endpoint used for per-account filter
// configuration and MDN bookkeeping. An empty host list disables it.
type DatabaseConfig struct {
	Hosts            []string `toml:"hosts"`
	Port             string   `toml:"port"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	Name             string   `toml:"name"`
	TLSMode          bool     `toml:"tls"`
	MaxConns         int      `toml:"max_conns"`
	MinConns         int      `toml:"min_conns"`
	MaxConnLifetime  string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime  string   `toml:"max_conn_idle_time"`
	QueryTimeout     string   `toml:"query_timeout"`
	MigrationTimeout string   `toml:"migration_timeout"`
	AutoMigrate      bool     `toml:"auto_migrate"`
	Debug            bool     `toml:"debug"` // Enable SQL query logging
}

// IsEnabled reports whether a database endpoint has been configured.
func (d *DatabaseConfig) IsEnabled() bool {
	return len(d.Hosts) > 0
}

// GetMaxConnLifetime parses the max connection lifetime duration
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// LocalStoreConfig holds the SQLite store for the address book and tags.
type LocalStoreConfig struct {
	Path           string `toml:"path"`
	LookupCacheTTL string `toml:"lookup_cache_ttl"`
}

// GetLookupCacheTTL parses how long address book lookups are cached.
func (c *LocalStoreConfig) GetLookupCacheTTL() (time.Duration, error) {
	if c.LookupCacheTTL == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.LookupCacheTTL)
}

// LocalCacheConfig holds the payload cache configuration.
type LocalCacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	Capacity      string `toml:"capacity"`
	MaxObjectSize string `toml:"max_object_size"`
	PurgeInterval string `toml:"purge_interval"`
}

// GetCapacity parses the cache capacity size
func (c *LocalCacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		c.Capacity = "1gb"
	}
	return helpers.ParseSize(c.Capacity)
}

// GetMaxObjectSize parses the max object size
func (c *LocalCacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		c.MaxObjectSize = "5mb"
	}
	return helpers.ParseSize(c.MaxObjectSize)
}

// GetPurgeInterval parses the purge interval duration
func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		c.PurgeInterval = "12h"
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

func (c *LocalCacheConfig) GetCapacityWithDefault() int64 {
	capacity, err := c.GetCapacity()
	if err != nil {
		log.Printf("WARNING: Failed to parse cache size: %v, using default (1GB)", err)
		return 1024 * 1024 * 1024
	}
	return capacity
}

func (c *LocalCacheConfig) GetMaxObjectSizeWithDefault() int64 {
	size, err := c.GetMaxObjectSize()
	if err != nil {
		log.Printf("WARNING: Failed to parse cache max object size: %v, using default (5MB)", err)
		return 5 * 1024 * 1024
	}
	return size
}

func (c *LocalCacheConfig) GetPurgeIntervalWithDefault() time.Duration {
	interval, err := c.GetPurgeInterval()
	if err != nil {
		log.Printf("WARNING: Failed to parse cache purge interval: %v, using default (12 hours)", err)
		return 12 * time.Hour
	}
	return interval
}

// S3Config holds S3 configuration for the object-backed mail store.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Prefix        string `toml:"prefix"`
	Debug         bool   `toml:"debug"` // Enable detailed S3 request/response tracing
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// GetDebug returns the debug flag
func (s *S3Config) GetDebug() bool {
	return s.Debug
}

// IMAPConfig holds the remote mailbox the imap subcommand filters.
type IMAPConfig struct {
	Addr               string `toml:"addr"`
	TLS                bool   `toml:"tls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	User               string `toml:"user"`
	Password           string `toml:"password"`
	Mailbox            string `toml:"mailbox"`
	BatchSize          int    `toml:"batch_size"`
	DryRun             bool   `toml:"dry_run"`
}

// GetMailbox returns the configured mailbox or INBOX.
func (c *IMAPConfig) GetMailbox() string {
	if c.Mailbox == "" {
		return "INBOX"
	}
	return c.Mailbox
}

// GetBatchSize returns how many messages are fetched per round trip.
func (c *IMAPConfig) GetBatchSize() int {
	if c.BatchSize <= 0 {
		return 100
	}
	return c.BatchSize
}

// TransportConfig describes one outgoing SMTP transport.
type TransportConfig struct {
	ID                 string `toml:"id"`
	Name               string `toml:"name"`
	Host               string `toml:"host"` // host:port
	TLS                bool   `toml:"tls"`
	StartTLS           bool   `toml:"starttls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	User               string `toml:"user"`
	Password           string `toml:"password"`
	Default            bool   `toml:"default"`
	Timeout            string `toml:"timeout"`
}

// GetTimeout returns the dial and command timeout for the transport.
func (c *TransportConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// CircuitBreakerConfig holds circuit breaker settings shared by SMTP transports.
type CircuitBreakerConfig struct {
	MaxRequests  int     `toml:"max_requests"`  // Maximum concurrent requests in half-open state (default: 3)
	Interval     string  `toml:"interval"`      // Time before resetting failure counts in closed state (default: "0s" - never reset)
	Timeout      string  `toml:"timeout"`       // Time before transitioning from open to half-open (default: "30s")
	FailureRatio float64 `toml:"failure_ratio"` // Failure ratio threshold to open circuit (0.0-1.0, default: 0.6)
	MinRequests  int     `toml:"min_requests"`  // Minimum requests before evaluating failure ratio (default: 3)
}

// GetMaxRequests returns the maximum concurrent requests in half-open state
func (c *CircuitBreakerConfig) GetMaxRequests() uint32 {
	if c.MaxRequests <= 0 {
		return 3
	}
	return uint32(c.MaxRequests)
}

// GetInterval returns the interval before resetting failure counts in closed state
func (c *CircuitBreakerConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return 0, nil
	}
	return helpers.ParseDuration(c.Interval)
}

// GetTimeout returns the timeout before transitioning from open to half-open
func (c *CircuitBreakerConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// GetFailureRatio returns the failure ratio threshold to open circuit
func (c *CircuitBreakerConfig) GetFailureRatio() float64 {
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		return 0.6
	}
	return c.FailureRatio
}

// GetMinRequests returns the minimum requests before evaluating failure ratio
func (c *CircuitBreakerConfig) GetMinRequests() uint32 {
	if c.MinRequests <= 0 {
		return 3
	}
	return uint32(c.MinRequests)
}

// IdentityConfig describes a sending identity addressed by its UOID.
type IdentityConfig struct {
	UOID      uint32   `toml:"uoid"`
	Name      string   `toml:"name"`
	Email     string   `toml:"email"`
	ReplyTo   string   `toml:"reply_to"`
	Bcc       []string `toml:"bcc"`
	Transport string   `toml:"transport"`
	Default   bool     `toml:"default"`
}

// CryptoConfig points at the OpenPGP keyrings used by encrypt/decrypt actions.
type CryptoConfig struct {
	PublicKeyring  string `toml:"public_keyring"`
	PrivateKeyring string `toml:"private_keyring"`
	Passphrase     string `toml:"passphrase"`
}

// CommandsConfig controls how external commands are run by exec-style actions.
type CommandsConfig struct {
	Shell       string `toml:"shell"`
	Timeout     string `toml:"timeout"` // "0" or empty waits for the command to finish
	TempDir     string `toml:"temp_dir"`
	SoundPlayer string `toml:"sound_player"` // Command template, %f is replaced by the file
}

// GetShell returns the configured shell or /bin/sh.
func (c *CommandsConfig) GetShell() string {
	if c.Shell == "" {
		return "/bin/sh"
	}
	return c.Shell
}

// GetTimeout parses the command timeout. Zero means no timeout.
func (c *CommandsConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// FilterLogConfig holds the per-message diagnostic log configuration.
type FilterLogConfig struct {
	Enabled         bool     `toml:"enabled"`
	MaxSize         string   `toml:"max_size"`
	Categories      []string `toml:"categories"` // Empty enables all categories
	RedisAddr       string   `toml:"redis_addr"`
	RedisPassword   string   `toml:"redis_password"`
	RedisDB         int      `toml:"redis_db"`
	RedisKey        string   `toml:"redis_key"`
	RedisMaxEntries int      `toml:"redis_max_entries"`
}

// GetMaxSize parses the in-memory log size bound.
func (c *FilterLogConfig) GetMaxSize() (int64, error) {
	if c.MaxSize == "" {
		return 512 * 1024, nil
	}
	return helpers.ParseSize(c.MaxSize)
}

// GetRedisKey returns the Redis list key log entries are pushed to.
func (c *FilterLogConfig) GetRedisKey() string {
	if c.RedisKey == "" {
		return "mailfilter:log"
	}
	return c.RedisKey
}

// GetRedisMaxEntries returns the Redis list length kept after each push.
func (c *FilterLogConfig) GetRedisMaxEntries() int {
	if c.RedisMaxEntries <= 0 {
		return 10000
	}
	return c.RedisMaxEntries
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKeyHash   string   `toml:"api_key_hash"`  // bcrypt hash of the bearer key
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
	MaxBodySize  string   `toml:"max_body_size"`
}

// GetMaxBodySize parses the largest message accepted by the apply endpoint.
func (c *HTTPAPIConfig) GetMaxBodySize() (int64, error) {
	if c.MaxBodySize == "" {
		return 50 * 1024 * 1024, nil
	}
	return helpers.ParseSize(c.MaxBodySize)
}

// Config holds all configuration for the application.
type Config struct {
	Logging          LoggingConfig        `toml:"logging"`
	Database         DatabaseConfig       `toml:"database"`
	LocalStore       LocalStoreConfig     `toml:"local_store"`
	Cache            LocalCacheConfig     `toml:"cache"`
	S3               S3Config             `toml:"s3"`
	IMAP             IMAPConfig           `toml:"imap"`
	Transports       []TransportConfig    `toml:"transport"`
	TransportBreaker CircuitBreakerConfig `toml:"transport_breaker"`
	Identities       []IdentityConfig     `toml:"identity"`
	Crypto           CryptoConfig         `toml:"crypto"`
	Commands         CommandsConfig       `toml:"commands"`
	FilterLog        FilterLogConfig      `toml:"filter_log"`
	Metrics          MetricsConfig        `toml:"metrics"`
	HTTPAPI          HTTPAPIConfig        `toml:"http_api"`
	Filters          []FilterConfig       `toml:"filter"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Port:            "5432",
			User:            "postgres",
			Name:            "mailfilter",
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: "1h",
			MaxConnIdleTime: "30m",
			QueryTimeout:    "30s",
		},
		LocalStore: LocalStoreConfig{
			Path:           "/tmp/mailfilter/store.db",
			LookupCacheTTL: "5m",
		},
		Cache: LocalCacheConfig{
			Path:          "/tmp/mailfilter/cache",
			Capacity:      "1gb",
			MaxObjectSize: "5mb",
			PurgeInterval: "12h",
		},
		IMAP: IMAPConfig{
			TLS:       true,
			Mailbox:   "INBOX",
			BatchSize: 100,
		},
		Commands: CommandsConfig{
			Shell: "/bin/sh",
		},
		FilterLog: FilterLogConfig{
			MaxSize: "512kb",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8080",
		},
	}
}

// Validate checks cross-section consistency that TOML decoding cannot express.
func (c *Config) Validate() error {
	seenTransports := make(map[string]bool)
	defaults := 0
	for i, t := range c.Transports {
		if t.ID == "" {
			return fmt.Errorf("transport #%d: id is required", i+1)
		}
		if seenTransports[t.ID] {
			return fmt.Errorf("transport %q: duplicate id", t.ID)
		}
		seenTransports[t.ID] = true
		if t.Host == "" {
			return fmt.Errorf("transport %q: host is required", t.ID)
		}
		if t.TLS && t.StartTLS {
			return fmt.Errorf("transport %q: tls and starttls are mutually exclusive", t.ID)
		}
		if t.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("only one transport can be marked default, found %d", defaults)
	}

	seenIdentities := make(map[uint32]bool)
	for i, id := range c.Identities {
		if id.UOID == 0 {
			return fmt.Errorf("identity #%d: uoid is required", i+1)
		}
		if seenIdentities[id.UOID] {
			return fmt.Errorf("identity %d: duplicate uoid", id.UOID)
		}
		seenIdentities[id.UOID] = true
		if id.Email == "" {
			return fmt.Errorf("identity %d: email is required", id.UOID)
		}
		if id.Transport != "" && !seenTransports[id.Transport] {
			return fmt.Errorf("identity %d: unknown transport %q", id.UOID, id.Transport)
		}
	}

	seenFilters := make(map[string]bool)
	for i := range c.Filters {
		f := &c.Filters[i]
		if err := f.Validate(); err != nil {
			return fmt.Errorf("filter #%d: %w", i+1, err)
		}
		id := f.GetID(i)
		if seenFilters[id] {
			return fmt.Errorf("filter %q: duplicate id", id)
		}
		seenFilters[id] = true
	}

	if c.HTTPAPI.Start && c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
		return fmt.Errorf("http_api: tls requires tls_cert_file and tls_key_file")
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file into cfg. Duplicate keys are
// tolerated (first occurrence wins) and unknown keys only produce warnings.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "has already been defined") {
			log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, err.Error())
			log.Printf("WARNING: Ignoring duplicate entries. Only the first occurrence of each key will be used.")

			cleanedContent, parseErr := removeDuplicateKeysFromTOML(string(content))
			if parseErr != nil {
				return enhanceConfigError(err)
			}

			metadata, err = toml.Decode(cleanedContent, cfg)
			if err != nil {
				return enhanceConfigError(err)
			}
		} else {
			return enhanceConfigError(err)
		}
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out every repeated key inside a table,
// keeping the first occurrence. Each [[array]] element starts a fresh key set.
func removeDuplicateKeysFromTOML(content string) (string, error) {
	lines := strings.Split(content, "\n")
	seenKeys := make(map[string]int)
	var result []string
	var currentSection string

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			result = append(result, line)
			continue
		}

		if strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]") {
			currentSection = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seenKeys {
				if strings.HasPrefix(k, currentSection+".") {
					delete(seenKeys, k)
				}
			}
			result = append(result, line)
			continue
		} else if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			currentSection = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			result = append(result, line)
			continue
		}

		if key, _, ok := strings.Cut(trimmed, "="); ok {
			key = strings.TrimSpace(key)
			fullKey := key
			if currentSection != "" {
				fullKey = currentSection + "." + key
			}
			if prevLine, exists := seenKeys[fullKey]; exists {
				log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
					fullKey, lineNum+1, prevLine+1)
				result = append(result, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seenKeys[fullKey] = lineNum
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n"), nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - All brackets and braces are balanced\n"+
			"  - Section headers use [section] or [[array]] format", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from string fields.
// Fields tagged `trim:"false"` are left untouched; filter rule contents and
// action arguments may legitimately carry leading or trailing blanks.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).Tag.Get("trim") == "false" {
				continue
			}
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
