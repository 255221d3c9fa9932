package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Broker Topology Config

// BrokerTopologyConfig defines the shared broker topology this node participates in
type BrokerTopologyConfig struct {
	// Exchange is the cluster-wide topic exchange all push nodes publish into
	Exchange string `mapstructure:"exchange" json:"exchange" validate:"required"`
	// QueuePrefix is the prefix for this node's exclusive queue. A random suffix
	// is appended per process so restarts never collide with a stale queue.
	QueuePrefix string `mapstructure:"queue_prefix" json:"queue_prefix" validate:"required"`
}

// ===============================================================================
// Client Auth Config

// AuthConfig defines parameters for the websocket authentication handshake
type AuthConfig struct {
	// HandshakeTimeout is the max duration in milliseconds a new connection may
	// stay unauthenticated before it is closed
	HandshakeTimeout int `mapstructure:"handshake_timeout_ms" json:"handshake_timeout_ms" validate:"gte=100"`
	// SigningKey is the shared secret used to verify client credential signatures
	SigningKey string `mapstructure:"signing_key" json:"signing_key" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Push Server Related Config

// PushEndpointConfig defines push server API endpoint config
type PushEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the push server APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// PushServerConfig defines configuration for the push server
type PushServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the push server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the push server
	Endpoints PushEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Auth are the websocket authentication handshake parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Topology is the shared broker topology parameters
	Topology BrokerTopologyConfig `mapstructure:"topology" json:"topology" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config of the push server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Push are the push server configs
	Push *PushServerConfig `mapstructure:"push,omitempty" json:"push,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default push server settings
	viper.SetDefault("push.endpoint_config.path_prefix", "/")
	viper.SetDefault("push.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("push.api_server.server_config.listen_port", 3002)
	viper.SetDefault("push.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("push.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("push.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"push.api_server.logging_config.request_id_header", "Activity-Push-Request-ID",
	)
	viper.SetDefault(
		"push.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("push.auth.handshake_timeout_ms", 5000)
	viper.SetDefault("push.topology.exchange", "activity-push")
	viper.SetDefault("push.topology.queue_prefix", "activity-push-node")
}
