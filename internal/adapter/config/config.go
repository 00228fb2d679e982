// Package config provides configuration management for the register bridge.
// It supports a .env file, environment variables, config files and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. BRIDGE_MQTT_BROKER_URL.
const EnvPrefix = "BRIDGE"

// Config holds all configuration for the bridge.
type Config struct {
	// ProtocolsDir holds the protocol descriptor files
	ProtocolsDir string `mapstructure:"protocols_dir"`

	Device    DeviceConfig    `mapstructure:"device"`
	Transport TransportConfig `mapstructure:"transport"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Time      TimeConfig      `mapstructure:"time"`
	General   GeneralConfig   `mapstructure:"general"`
	Reader    ReaderConfig    `mapstructure:"reader"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	ScanStore ScanStoreConfig `mapstructure:"scan_store"`
}

// DeviceConfig identifies the device and selects what is published.
type DeviceConfig struct {
	ID           string `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	Manufacturer string `mapstructure:"manufacturer"`
	Model        string `mapstructure:"model"`
	SerialNumber string `mapstructure:"serial_number"`

	// Protocol is the descriptor name; ignored in analyze mode
	Protocol string `mapstructure:"protocol"`

	// Write enables validated writes to holding registers
	Write bool `mapstructure:"write"`

	// SendInput and SendHolding override the descriptor defaults when set
	SendInput   *bool `mapstructure:"send_input"`
	SendHolding *bool `mapstructure:"send_holding"`

	InputPrefix   string `mapstructure:"input_prefix"`
	HoldingPrefix string `mapstructure:"holding_prefix"`

	// AnalyzeProtocol runs the auto-detector and exits
	AnalyzeProtocol bool `mapstructure:"analyze_protocol"`
	AnalyzeSave     bool `mapstructure:"analyze_save"`
	AnalyzeLoad     bool `mapstructure:"analyze_load"`
}

// TransportConfig holds the bus connection settings.
type TransportConfig struct {
	Kind        string        `mapstructure:"kind"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	SlaveID     uint8         `mapstructure:"slave_id"`
	SerialPort  string        `mapstructure:"serial_port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	Parity      string        `mapstructure:"parity"`
	StopBits    int           `mapstructure:"stop_bits"`
	Timeout     time.Duration `mapstructure:"timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// MQTTConfig holds MQTT client and topic configuration.
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`

	// BaseTopic prefixes every state, availability and write topic
	BaseTopic string `mapstructure:"base_topic"`

	// ErrorTopic defaults to <base_topic>/error
	ErrorTopic string `mapstructure:"error_topic"`

	// JSON publishes one document per cycle instead of one topic per value
	JSON        bool   `mapstructure:"json"`
	Measurement string `mapstructure:"measurement"`

	DiscoveryEnabled bool   `mapstructure:"discovery_enabled"`
	DiscoveryTopic   string `mapstructure:"discovery_topic"`
}

// TimeConfig holds the cycle timings.
type TimeConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ErrorInterval time.Duration `mapstructure:"error_interval"`
}

// GeneralConfig holds decoding settings.
type GeneralConfig struct {
	// MaxPrecision rounds scaled values; negative disables rounding
	MaxPrecision int `mapstructure:"max_precision"`

	// BatchSize bounds the registers requested per read
	BatchSize int `mapstructure:"batch_size"`
}

// ReaderConfig tunes the range reader's backoff.
type ReaderConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	DelayStep    time.Duration `mapstructure:"delay_step"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	RetryBudget  int           `mapstructure:"retry_budget"`
}

// HTTPConfig holds the health and metrics server configuration.
type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, console or auto
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// ScanStoreConfig selects where detector scans are persisted.
type ScanStoreConfig struct {
	// Kind is "file" or "redis"
	Kind          string `mapstructure:"kind"`
	Dir           string `mapstructure:"dir"`
	RedisAddress  string `mapstructure:"redis_address"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// Load loads configuration from path (or the default search paths when
// empty), a .env file and environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/register-bridge")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("protocols_dir", "./protocols")

	// Device
	v.SetDefault("device.id", "inverter")
	v.SetDefault("device.name", "Solar Inverter")
	v.SetDefault("device.manufacturer", "")
	v.SetDefault("device.model", "")
	v.SetDefault("device.serial_number", "")
	v.SetDefault("device.protocol", "")
	v.SetDefault("device.write", false)
	v.SetDefault("device.input_prefix", "")
	v.SetDefault("device.holding_prefix", "")
	v.SetDefault("device.analyze_protocol", false)
	v.SetDefault("device.analyze_save", false)
	v.SetDefault("device.analyze_load", false)

	// Transport
	v.SetDefault("transport.kind", string(domain.TransportModbusRTU))
	v.SetDefault("transport.host", "")
	v.SetDefault("transport.port", 502)
	v.SetDefault("transport.slave_id", 1)
	v.SetDefault("transport.serial_port", "/dev/ttyUSB0")
	v.SetDefault("transport.baud_rate", 9600)
	v.SetDefault("transport.data_bits", 8)
	v.SetDefault("transport.parity", "N")
	v.SetDefault("transport.stop_bits", 1)
	v.SetDefault("transport.timeout", 5*time.Second)
	v.SetDefault("transport.idle_timeout", 60*time.Second)

	// MQTT
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "register-bridge")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.tls_enabled", false)
	v.SetDefault("mqtt.error_topic", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 10000)
	v.SetDefault("mqtt.base_topic", "home/inverter")
	v.SetDefault("mqtt.json", false)
	v.SetDefault("mqtt.measurement", "inverter")
	v.SetDefault("mqtt.discovery_enabled", true)
	v.SetDefault("mqtt.discovery_topic", "homeassistant")

	// Time
	v.SetDefault("time.interval", 10*time.Second)
	v.SetDefault("time.error_interval", 60*time.Second)

	// General
	v.SetDefault("general.max_precision", 2)
	v.SetDefault("general.batch_size", 45)

	// Reader
	v.SetDefault("reader.initial_delay", 850*time.Millisecond)
	v.SetDefault("reader.delay_step", 50*time.Millisecond)
	v.SetDefault("reader.max_delay", 60*time.Second)
	v.SetDefault("reader.retry_budget", 7)

	// HTTP
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)

	// Scan store
	v.SetDefault("scan_store.kind", "file")
	v.SetDefault("scan_store.dir", ".")
	v.SetDefault("scan_store.redis_address", "localhost:6379")
	v.SetDefault("scan_store.redis_db", 0)
	v.SetDefault("scan_store.key_prefix", "register-bridge")
}

// bindEnvVars binds the unprefixed environment variables commonly set in
// container deployments.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("mqtt.broker_url", "BRIDGE_MQTT_BROKER_URL", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "BRIDGE_MQTT_USERNAME", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "BRIDGE_MQTT_PASSWORD", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "BRIDGE_MQTT_CLIENT_ID", "MQTT_CLIENT_ID")

	_ = v.BindEnv("http.port", "BRIDGE_HTTP_PORT", "HTTP_PORT")

	_ = v.BindEnv("logging.level", "BRIDGE_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "BRIDGE_LOGGING_FORMAT", "LOG_FORMAT")

	_ = v.BindEnv("scan_store.redis_password", "BRIDGE_SCAN_STORE_REDIS_PASSWORD", "REDIS_PASSWORD")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("%w: MQTT broker URL is required", domain.ErrInvalidConfig)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: invalid MQTT QoS: %d", domain.ErrInvalidConfig, c.MQTT.QoS)
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("%w: invalid HTTP port: %d", domain.ErrInvalidConfig, c.HTTP.Port)
	}
	if c.Time.Interval < 100*time.Millisecond {
		return domain.ErrIntervalTooShort
	}
	if c.General.BatchSize <= 0 || c.General.BatchSize > 125 {
		return fmt.Errorf("%w: batch size must be 1..125, got %d", domain.ErrInvalidConfig, c.General.BatchSize)
	}
	switch c.ScanStore.Kind {
	case "file", "redis":
	default:
		return fmt.Errorf("%w: unknown scan store %q", domain.ErrInvalidConfig, c.ScanStore.Kind)
	}

	device := c.DeviceSpec()
	if c.Device.AnalyzeProtocol && device.Protocol == "" {
		device.Protocol = "auto"
	}
	return device.Validate()
}

// DeviceSpec builds the domain device from the device, transport and MQTT
// sections.
func (c *Config) DeviceSpec() *domain.Device {
	return &domain.Device{
		ID:           c.Device.ID,
		Name:         c.Device.Name,
		Manufacturer: c.Device.Manufacturer,
		Model:        c.Device.Model,
		SerialNumber: c.Device.SerialNumber,
		Protocol:     c.Device.Protocol,
		Transport:    domain.TransportKind(c.Transport.Kind),
		BaseTopic:    c.MQTT.BaseTopic,
		Connection: domain.ConnectionConfig{
			Host:        c.Transport.Host,
			Port:        c.Transport.Port,
			Timeout:     c.Transport.Timeout,
			IdleTimeout: c.Transport.IdleTimeout,
			SlaveID:     c.Transport.SlaveID,
			SerialPort:  c.Transport.SerialPort,
			BaudRate:    c.Transport.BaudRate,
			DataBits:    c.Transport.DataBits,
			Parity:      c.Transport.Parity,
			StopBits:    c.Transport.StopBits,
		},
	}
}

// ErrorTopic returns the topic carrying cycle errors.
func (c *Config) ErrorTopic() string {
	if c.MQTT.ErrorTopic != "" {
		return c.MQTT.ErrorTopic
	}
	return strings.TrimSuffix(c.MQTT.BaseTopic, "/") + "/error"
}
