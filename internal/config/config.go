package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP        HTTP        `json:"http"`
	Persistence Persistence `json:"persistence"`
	JWT         JWT         `json:"jwt"`
	Stream      Stream      `json:"stream"`
	Client      Client      `json:"client"`
}

type JWT struct {
	Secret string `json:"secret"`
}

type Persistence struct {
	Database Database `json:"database"`
}

type DatabaseDriver string

const (
	DatabaseDriverSQLite   DatabaseDriver = "sqlite"
	DatabaseDriverMySQL    DatabaseDriver = "mysql"
	DatabaseDriverPostgres DatabaseDriver = "postgres"
)

type Database struct {
	Driver          DatabaseDriver `json:"driver"`
	Database        string         `json:"database"`
	Username        string         `json:"username"`
	Password        string         `json:"password"`
	Host            string         `json:"host"`
	Port            uint16         `json:"port"`
	ExtraParameters string         `json:"extra_parameters" yaml:"extra_parameters"`
}

type HTTPListener struct {
	IPV4Host string `json:"ipv4_host" yaml:"ipv4_host"`
	IPV6Host string `json:"ipv6_host" yaml:"ipv6_host"`
	Port     uint16 `json:"port"`
}

type Tracing struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
}

type PProf struct {
	Enabled bool `json:"enabled"`
}

type Metrics struct {
	HTTPListener `yaml:",inline"`
	Enabled      bool `json:"enabled"`
}

type HTTP struct {
	HTTPListener   `yaml:",inline"`
	Tracing        Tracing  `json:"tracing"`
	PProf          PProf    `json:"pprof"`
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies"`
	Metrics        Metrics  `json:"metrics"`
	CORSHosts      []string `json:"cors_hosts" yaml:"cors_hosts"`
}

// Stream configures the server side of the message stream.
type Stream struct {
	KeepaliveInterval time.Duration `json:"keepalive_interval" yaml:"keepalive_interval"`
	// RetryInterval is advertised to clients in the retry field.
	RetryInterval    time.Duration `json:"retry_interval" yaml:"retry_interval"`
	SubscriberBuffer int           `json:"subscriber_buffer" yaml:"subscriber_buffer"`
	ReplayLimit      int           `json:"replay_limit" yaml:"replay_limit"`
}

// Client configures the watch commands.
type Client struct {
	ChannelURL           string        `json:"channel_url" yaml:"channel_url"`
	StreamURL            string        `json:"stream_url" yaml:"stream_url"`
	Token                string        `json:"token"`
	ReconnectInterval    time.Duration `json:"reconnect_interval" yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	StreamMaxRetries     int           `json:"stream_max_retries" yaml:"stream_max_retries"`
}

//nolint:golint,gochecknoglobals
var (
	ConfigFileKey                         = "config"
	HTTPIPV4HostKey                       = "http.ipv4_host"
	HTTPIPV6HostKey                       = "http.ipv6_host"
	HTTPPortKey                           = "http.port"
	HTTPTracingEnabledKey                 = "http.tracing.enabled"
	HTTPTracingOTLPEndKey                 = "http.tracing.otlp_endpoint"
	HTTPPProfEnabledKey                   = "http.pprof.enabled"
	HTTPTrustedProxiesKey                 = "http.trusted_proxies"
	HTTPMetricsEnabledKey                 = "http.metrics.enabled"
	HTTPMetricsIPV4HostKey                = "http.metrics.ipv4_host"
	HTTPMetricsIPV6HostKey                = "http.metrics.ipv6_host"
	HTTPMetricsPortKey                    = "http.metrics.port"
	HTTPCORSHostsKey                      = "http.cors_hosts"
	PersistenceDatabaseDriverKey          = "persistence.database.driver"
	PersistenceDatabaseDatabaseKey        = "persistence.database.database"
	PersistenceDatabaseUsernameKey        = "persistence.database.username"
	PersistenceDatabasePasswordKey        = "persistence.database.password"
	PersistenceDatabaseHostKey            = "persistence.database.host"
	PersistenceDatabasePortKey            = "persistence.database.port"
	PersistenceDatabaseExtraParametersKey = "persistence.database.extra_parameters"
	JWTSecretKey                          = "jwt.secret"
	StreamKeepaliveIntervalKey            = "stream.keepalive_interval"
	StreamRetryIntervalKey                = "stream.retry_interval"
	StreamSubscriberBufferKey             = "stream.subscriber_buffer"
	StreamReplayLimitKey                  = "stream.replay_limit"
	ClientChannelURLKey                   = "client.channel_url"
	ClientStreamURLKey                    = "client.stream_url"
	//nolint:golint,gosec
	ClientTokenKey                = "client.token"
	ClientReconnectIntervalKey    = "client.reconnect_interval"
	ClientMaxReconnectAttemptsKey = "client.max_reconnect_attempts"
	ClientStreamMaxRetriesKey     = "client.stream_max_retries"
)

const (
	DefaultConfigPath                  = "config.yaml"
	DefaultHTTPIPV4Host                = "0.0.0.0"
	DefaultHTTPIPV6Host                = "::"
	DefaultHTTPPort                    = 8080
	DefaultHTTPMetricsIPV4Host         = "127.0.0.1"
	DefaultHTTPMetricsIPV6Host         = "::1"
	DefaultHTTPMetricsPort             = 8081
	DefaultPersistenceDatabaseDriver   = DatabaseDriverSQLite
	DefaultPersistenceDatabaseDatabase = "lms.db"
	DefaultStreamKeepaliveInterval     = 15 * time.Second
	DefaultStreamRetryInterval         = 3 * time.Second
	DefaultStreamSubscriberBuffer      = 16
	DefaultStreamReplayLimit           = 100
	DefaultClientReconnectInterval     = 3 * time.Second
	DefaultClientMaxReconnectAttempts  = 5
)

func RegisterFlags(cmd *cobra.Command) {
	cmd.Flags().StringP(ConfigFileKey, "c", DefaultConfigPath, "Config file path")
	cmd.Flags().String(HTTPIPV4HostKey, DefaultHTTPIPV4Host, "HTTP server IPv4 host")
	cmd.Flags().String(HTTPIPV6HostKey, DefaultHTTPIPV6Host, "HTTP server IPv6 host")
	cmd.Flags().Uint16(HTTPPortKey, DefaultHTTPPort, "HTTP server port")
	cmd.Flags().Bool(HTTPTracingEnabledKey, false, "Enable Open Telemetry tracing")
	cmd.Flags().String(HTTPTracingOTLPEndKey, "", "Open Telemetry endpoint")
	cmd.Flags().Bool(HTTPPProfEnabledKey, false, "Enable pprof")
	cmd.Flags().StringSlice(HTTPTrustedProxiesKey, []string{}, "Comma-separated list of trusted proxies")
	cmd.Flags().Bool(HTTPMetricsEnabledKey, false, "Enable metrics server")
	cmd.Flags().String(HTTPMetricsIPV4HostKey, DefaultHTTPMetricsIPV4Host, "Metrics server IPv4 host")
	cmd.Flags().String(HTTPMetricsIPV6HostKey, DefaultHTTPMetricsIPV6Host, "Metrics server IPv6 host")
	cmd.Flags().Uint16(HTTPMetricsPortKey, DefaultHTTPMetricsPort, "Metrics server port")
	cmd.Flags().StringSlice(HTTPCORSHostsKey, []string{}, "Comma-separated list of CORS hosts")
	cmd.Flags().String(PersistenceDatabaseDriverKey, string(DefaultPersistenceDatabaseDriver), "Database driver")
	cmd.Flags().String(PersistenceDatabaseDatabaseKey, DefaultPersistenceDatabaseDatabase, "Database path")
	cmd.Flags().String(PersistenceDatabaseUsernameKey, "", "Database username")
	cmd.Flags().String(PersistenceDatabasePasswordKey, "", "Database password")
	cmd.Flags().String(PersistenceDatabaseHostKey, "", "Database host")
	cmd.Flags().Uint16(PersistenceDatabasePortKey, 0, "Database port")
	cmd.Flags().String(PersistenceDatabaseExtraParametersKey, "", "Database extra parameters")
	cmd.Flags().String(JWTSecretKey, "", "JWT signing secret")
	cmd.Flags().Duration(StreamKeepaliveIntervalKey, DefaultStreamKeepaliveInterval, "Interval between keepalive comments on open message streams")
	cmd.Flags().Duration(StreamRetryIntervalKey, DefaultStreamRetryInterval, "Reconnect delay advertised to message stream clients")
	cmd.Flags().Int(StreamSubscriberBufferKey, DefaultStreamSubscriberBuffer, "Pending batches buffered per stream subscriber")
	cmd.Flags().Int(StreamReplayLimitKey, DefaultStreamReplayLimit, "Maximum messages replayed to a resuming stream")
	cmd.Flags().String(ClientChannelURLKey, "", "Sync channel websocket URL")
	cmd.Flags().String(ClientStreamURLKey, "", "Message stream URL")
	cmd.Flags().String(ClientTokenKey, "", "JWT presented by the watch commands")
	cmd.Flags().Duration(ClientReconnectIntervalKey, DefaultClientReconnectInterval, "Delay between channel reconnect attempts")
	cmd.Flags().Int(ClientMaxReconnectAttemptsKey, DefaultClientMaxReconnectAttempts, "Maximum consecutive channel reconnect attempts")
	cmd.Flags().Int(ClientStreamMaxRetriesKey, 0, "Maximum consecutive stream retries, 0 retries forever")
}

var (
	ErrJWTSecretRequired         = errors.New("JWT secret is required")
	ErrOTLPEndpointRequired      = errors.New("OTLP endpoint is required when tracing is enabled")
	ErrDBHostRequired            = errors.New("Database host is required")
	ErrDBDatabaseRequired        = errors.New("Database name is required")
	ErrDatabaseDriverRequired    = errors.New("Database driver is required")
	ErrDatabaseDriverInvalid     = errors.New("Database driver must be one of sqlite, mysql or postgres")
	ErrStreamKeepaliveInvalid    = errors.New("Stream keepalive interval must be positive")
	ErrStreamBufferInvalid       = errors.New("Stream subscriber buffer must be positive")
	ErrChannelURLRequired        = errors.New("Client channel URL is required")
	ErrStreamURLRequired         = errors.New("Client stream URL is required")
	ErrReconnectIntervalInvalid  = errors.New("Client reconnect interval must be positive")
	ErrReconnectAttemptsNegative = errors.New("Client max reconnect attempts must not be negative")
)

// Validate checks the settings the server needs.
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return ErrJWTSecretRequired
	}
	if c.HTTP.Tracing.Enabled && c.HTTP.Tracing.OTLPEndpoint == "" {
		return ErrOTLPEndpointRequired
	}
	switch c.Persistence.Database.Driver {
	case DatabaseDriverSQLite, DatabaseDriverMySQL, DatabaseDriverPostgres:
	case "":
		return ErrDatabaseDriverRequired
	default:
		return ErrDatabaseDriverInvalid
	}
	if c.Persistence.Database.Driver != DatabaseDriverSQLite && c.Persistence.Database.Host == "" {
		return ErrDBHostRequired
	}
	if c.Persistence.Database.Database == "" {
		return ErrDBDatabaseRequired
	}
	if c.Stream.KeepaliveInterval <= 0 {
		return ErrStreamKeepaliveInvalid
	}
	if c.Stream.SubscriberBuffer <= 0 {
		return ErrStreamBufferInvalid
	}

	return nil
}

// ValidateChannelClient checks the settings of the channel watcher.
func (c *Config) ValidateChannelClient() error {
	if c.Client.ChannelURL == "" {
		return ErrChannelURLRequired
	}
	if c.Client.ReconnectInterval <= 0 {
		return ErrReconnectIntervalInvalid
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return ErrReconnectAttemptsNegative
	}
	return nil
}

// ValidateStreamClient checks the settings of the stream watcher.
func (c *Config) ValidateStreamClient() error {
	if c.Client.StreamURL == "" {
		return ErrStreamURLRequired
	}
	return nil
}

func LoadConfig(cmd *cobra.Command) (*Config, error) {
	var config Config

	// Load flags from envs
	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if ctx.Err() != nil {
			return
		}
		optName := strings.ReplaceAll(strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_"), ".", "__")
		if val, ok := os.LookupEnv(optName); !f.Changed && ok {
			if err := f.Value.Set(val); err != nil {
				cancel(err)
			}
			f.Changed = true
		}
	})
	if ctx.Err() != nil {
		return &config, fmt.Errorf("failed to load env: %w", context.Cause(ctx))
	}

	configPath, err := cmd.Flags().GetString(ConfigFileKey)
	if err != nil {
		return &config, fmt.Errorf("failed to get config path: %w", err)
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return &config, fmt.Errorf("failed to read config: %w", err)
		} else if err == nil {
			if err := yaml.Unmarshal(data, &config); err != nil {
				return &config, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}

	err = overrideFlags(&config, cmd)
	if err != nil {
		return &config, fmt.Errorf("failed to override flags: %w", err)
	}

	// Defaults
	if config.HTTP.IPV4Host == "" {
		config.HTTP.IPV4Host = DefaultHTTPIPV4Host
	}
	if config.HTTP.IPV6Host == "" {
		config.HTTP.IPV6Host = DefaultHTTPIPV6Host
	}
	if config.HTTP.Port == 0 {
		config.HTTP.Port = DefaultHTTPPort
	}
	if config.HTTP.Metrics.IPV4Host == "" {
		config.HTTP.Metrics.IPV4Host = DefaultHTTPMetricsIPV4Host
	}
	if config.HTTP.Metrics.IPV6Host == "" {
		config.HTTP.Metrics.IPV6Host = DefaultHTTPMetricsIPV6Host
	}
	if config.HTTP.Metrics.Port == 0 {
		config.HTTP.Metrics.Port = DefaultHTTPMetricsPort
	}
	if config.Persistence.Database.Driver == "" {
		config.Persistence.Database.Driver = DefaultPersistenceDatabaseDriver
	}
	if config.Persistence.Database.Database == "" {
		config.Persistence.Database.Database = DefaultPersistenceDatabaseDatabase
	}
	if config.Stream.KeepaliveInterval == 0 {
		config.Stream.KeepaliveInterval = DefaultStreamKeepaliveInterval
	}
	if config.Stream.RetryInterval == 0 {
		config.Stream.RetryInterval = DefaultStreamRetryInterval
	}
	if config.Stream.SubscriberBuffer == 0 {
		config.Stream.SubscriberBuffer = DefaultStreamSubscriberBuffer
	}
	if config.Stream.ReplayLimit == 0 {
		config.Stream.ReplayLimit = DefaultStreamReplayLimit
	}
	if config.Client.ReconnectInterval == 0 {
		config.Client.ReconnectInterval = DefaultClientReconnectInterval
	}
	if config.Client.MaxReconnectAttempts == 0 {
		config.Client.MaxReconnectAttempts = DefaultClientMaxReconnectAttempts
	}

	return &config, nil
}

//nolint:golint,gocyclo
func overrideFlags(config *Config, cmd *cobra.Command) error {
	var err error
	if cmd.Flags().Changed(HTTPIPV4HostKey) {
		config.HTTP.IPV4Host, err = cmd.Flags().GetString(HTTPIPV4HostKey)
		if err != nil {
			return fmt.Errorf("failed to get HTTP IPv4 host: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPIPV6HostKey) {
		config.HTTP.IPV6Host, err = cmd.Flags().GetString(HTTPIPV6HostKey)
		if err != nil {
			return fmt.Errorf("failed to get HTTP IPv6 host: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPPortKey) {
		config.HTTP.Port, err = cmd.Flags().GetUint16(HTTPPortKey)
		if err != nil {
			return fmt.Errorf("failed to get HTTP port: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPPProfEnabledKey) {
		config.HTTP.PProf.Enabled, err = cmd.Flags().GetBool(HTTPPProfEnabledKey)
		if err != nil {
			return fmt.Errorf("failed to get pprof enabled: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPTrustedProxiesKey) {
		config.HTTP.TrustedProxies, err = cmd.Flags().GetStringSlice(HTTPTrustedProxiesKey)
		if err != nil {
			return fmt.Errorf("failed to get trusted proxies: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPMetricsEnabledKey) {
		config.HTTP.Metrics.Enabled, err = cmd.Flags().GetBool(HTTPMetricsEnabledKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics enabled: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPMetricsIPV4HostKey) {
		config.HTTP.Metrics.IPV4Host, err = cmd.Flags().GetString(HTTPMetricsIPV4HostKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics IPv4 host: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPMetricsIPV6HostKey) {
		config.HTTP.Metrics.IPV6Host, err = cmd.Flags().GetString(HTTPMetricsIPV6HostKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics IPv6 host: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPMetricsPortKey) {
		config.HTTP.Metrics.Port, err = cmd.Flags().GetUint16(HTTPMetricsPortKey)
		if err != nil {
			return fmt.Errorf("failed to get metrics port: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPTracingEnabledKey) {
		config.HTTP.Tracing.Enabled, err = cmd.Flags().GetBool(HTTPTracingEnabledKey)
		if err != nil {
			return fmt.Errorf("failed to get tracing enabled: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPTracingOTLPEndKey) {
		config.HTTP.Tracing.OTLPEndpoint, err = cmd.Flags().GetString(HTTPTracingOTLPEndKey)
		if err != nil {
			return fmt.Errorf("failed to get tracing OTLP endpoint: %w", err)
		}
	}

	if cmd.Flags().Changed(HTTPCORSHostsKey) {
		config.HTTP.CORSHosts, err = cmd.Flags().GetStringSlice(HTTPCORSHostsKey)
		if err != nil {
			return fmt.Errorf("failed to get CORS hosts: %w", err)
		}
	}

	if cmd.Flags().Changed(PersistenceDatabaseDriverKey) {
		drvr, err := cmd.Flags().GetString(PersistenceDatabaseDriverKey)
		if err != nil {
			return fmt.Errorf("failed to get database driver: %w", err)
		}
		config.Persistence.Database.Driver = DatabaseDriver(strings.ToLower(drvr))
	}

	if cmd.Flags().Changed(PersistenceDatabaseDatabaseKey) {
		config.Persistence.Database.Database, err = cmd.Flags().GetString(PersistenceDatabaseDatabaseKey)
		if err != nil {
			return fmt.Errorf("failed to get database name: %w", err)
		}
	}

	if cmd.Flags().Changed(PersistenceDatabaseUsernameKey) {
		config.Persistence.Database.Username, err = cmd.Flags().GetString(PersistenceDatabaseUsernameKey)
		if err != nil {
			return fmt.Errorf("failed to get database username: %w", err)
		}
	}

	if cmd.Flags().Changed(PersistenceDatabasePasswordKey) {
		config.Persistence.Database.Password, err = cmd.Flags().GetString(PersistenceDatabasePasswordKey)
		if err != nil {
			return fmt.Errorf("failed to get database password: %w", err)
		}
	}

	if cmd.Flags().Changed(PersistenceDatabaseHostKey) {
		config.Persistence.Database.Host, err = cmd.Flags().GetString(PersistenceDatabaseHostKey)
		if err != nil {
			return fmt.Errorf("failed to get database host: %w", err)
		}
	}

	if cmd.Flags().Changed(PersistenceDatabasePortKey) {
		config.Persistence.Database.Port, err = cmd.Flags().GetUint16(PersistenceDatabasePortKey)
		if err != nil {
			return fmt.Errorf("failed to get database port: %w", err)
		}
	}

	if cmd.Flags().Changed(PersistenceDatabaseExtraParametersKey) {
		config.Persistence.Database.ExtraParameters, err = cmd.Flags().GetString(PersistenceDatabaseExtraParametersKey)
		if err != nil {
			return fmt.Errorf("failed to get database extra parameters: %w", err)
		}
	}

	if cmd.Flags().Changed(JWTSecretKey) {
		config.JWT.Secret, err = cmd.Flags().GetString(JWTSecretKey)
		if err != nil {
			return fmt.Errorf("failed to get JWT secret: %w", err)
		}
	}

	if cmd.Flags().Changed(StreamKeepaliveIntervalKey) {
		config.Stream.KeepaliveInterval, err = cmd.Flags().GetDuration(StreamKeepaliveIntervalKey)
		if err != nil {
			return fmt.Errorf("failed to get stream keepalive interval: %w", err)
		}
	}

	if cmd.Flags().Changed(StreamRetryIntervalKey) {
		config.Stream.RetryInterval, err = cmd.Flags().GetDuration(StreamRetryIntervalKey)
		if err != nil {
			return fmt.Errorf("failed to get stream retry interval: %w", err)
		}
	}

	if cmd.Flags().Changed(StreamSubscriberBufferKey) {
		config.Stream.SubscriberBuffer, err = cmd.Flags().GetInt(StreamSubscriberBufferKey)
		if err != nil {
			return fmt.Errorf("failed to get stream subscriber buffer: %w", err)
		}
	}

	if cmd.Flags().Changed(StreamReplayLimitKey) {
		config.Stream.ReplayLimit, err = cmd.Flags().GetInt(StreamReplayLimitKey)
		if err != nil {
			return fmt.Errorf("failed to get stream replay limit: %w", err)
		}
	}

	if cmd.Flags().Changed(ClientChannelURLKey) {
		config.Client.ChannelURL, err = cmd.Flags().GetString(ClientChannelURLKey)
		if err != nil {
			return fmt.Errorf("failed to get client channel URL: %w", err)
		}
	}

	if cmd.Flags().Changed(ClientStreamURLKey) {
		config.Client.StreamURL, err = cmd.Flags().GetString(ClientStreamURLKey)
		if err != nil {
			return fmt.Errorf("failed to get client stream URL: %w", err)
		}
	}

	if cmd.Flags().Changed(ClientTokenKey) {
		config.Client.Token, err = cmd.Flags().GetString(ClientTokenKey)
		if err != nil {
			return fmt.Errorf("failed to get client token: %w", err)
		}
	}

	if cmd.Flags().Changed(ClientReconnectIntervalKey) {
		config.Client.ReconnectInterval, err = cmd.Flags().GetDuration(ClientReconnectIntervalKey)
		if err != nil {
			return fmt.Errorf("failed to get client reconnect interval: %w", err)
		}
	}

	if cmd.Flags().Changed(ClientMaxReconnectAttemptsKey) {
		config.Client.MaxReconnectAttempts, err = cmd.Flags().GetInt(ClientMaxReconnectAttemptsKey)
		if err != nil {
			return fmt.Errorf("failed to get client max reconnect attempts: %w", err)
		}
	}

	if cmd.Flags().Changed(ClientStreamMaxRetriesKey) {
		config.Client.StreamMaxRetries, err = cmd.Flags().GetInt(ClientStreamMaxRetriesKey)
		if err != nil {
			return fmt.Errorf("failed to get client stream max retries: %w", err)
		}
	}

	return nil
}
