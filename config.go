package repnet

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/anon55555/mt/rudp"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Config is the configuration file of a repnet process
type Config struct {
	Log         LogConfig          `mapstructure:"log" yaml:"log"`
	Net         NetConfig          `mapstructure:"net" yaml:"net"`
	Connection  ConnectionConfig   `mapstructure:"connection" yaml:"connection"`
	Replication ReplicationConfig  `mapstructure:"replication" yaml:"replication"`
	Store       StoreConfig        `mapstructure:"store" yaml:"store"`
	Plugins     PluginConfig       `mapstructure:"plugins" yaml:"plugins"`
	Drivers     []DriverDefinition `mapstructure:"drivers" yaml:"drivers"`

	v *viper.Viper
}

// LogConfig defines logger settings
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls rotation of file outputs
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// NetConfig holds socket and tick settings
type NetConfig struct {
	// TickRate is the number of driver ticks per second
	TickRate int `mapstructure:"tick_rate" yaml:"tick_rate"`
	// InboundQueue is the number of datagrams buffered
	// between the socket reader and the tick
	InboundQueue int `mapstructure:"inbound_queue" yaml:"inbound_queue"`
}

// ConnectionConfig is the connection section of the configuration file
type ConnectionConfig struct {
	MaxPacketSize      int           `mapstructure:"max_packet_size" yaml:"max_packet_size"`
	MaxBunchSize       int           `mapstructure:"max_bunch_size" yaml:"max_bunch_size"`
	MaxMessageSize     int           `mapstructure:"max_message_size" yaml:"max_message_size"`
	MaxChannels        int           `mapstructure:"max_channels" yaml:"max_channels"`
	ReservedChannels   []uint16      `mapstructure:"reserved_channels" yaml:"reserved_channels"`
	MaxUnackedReliable int           `mapstructure:"max_unacked_reliable" yaml:"max_unacked_reliable"`
	MaxReorderBunches  int           `mapstructure:"max_reorder_bunches" yaml:"max_reorder_bunches"`
	MaxReorderPackets  int           `mapstructure:"max_reorder_packets" yaml:"max_reorder_packets"`
	ReceivePolicy      string        `mapstructure:"receive_policy" yaml:"receive_policy"`
	AckTimeout         time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	KeepAliveInterval  time.Duration `mapstructure:"keep_alive_interval" yaml:"keep_alive_interval"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StoreConfig selects the database of the ban list and session log
type StoreConfig struct {
	// Driver: sqlite3 or postgres
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// PluginConfig controls loading of Lua plugins
type PluginConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Dir    string `mapstructure:"dir" yaml:"dir"`
}

// ConnConfig is the runtime configuration of a Connection
type ConnConfig struct {
	Role Role

	MaxPacketSize int
	// MaxBunchSize is the largest payload of a single bunch,
	// it is capped so that every bunch fits into a packet
	MaxBunchSize   int
	MaxMessageSize int

	MaxChannels      int
	ReservedChannels []uint16

	MaxUnackedReliable int
	MaxReorderBunches  int
	MaxReorderPackets  int
	ReceivePolicy      ReceivePolicy

	// The first packet sent is InitialSequence+1,
	// the first packet expected is PeerInitialSequence+1
	InitialSequence     uint32
	PeerInitialSequence uint32

	AckTimeout        time.Duration
	KeepAliveInterval time.Duration
	// Timeout closes connections without accepted traffic,
	// a negative value disables it
	Timeout time.Duration
}

// DefaultConnConfig returns the default runtime connection settings
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		MaxPacketSize:      1024,
		MaxBunchSize:       1024 - PacketHeaderSize - bunchHeaderMax,
		MaxMessageSize:     rudp.MaxRelPktSize,
		MaxChannels:        1024,
		ReservedChannels:   []uint16{0},
		MaxUnackedReliable: 256,
		MaxReorderBunches:  256,
		MaxReorderPackets:  AckHistoryBits,
		ReceivePolicy:      ReceiveImmediate,
		AckTimeout:         time.Second,
		KeepAliveInterval:  rudp.PingTimeout,
		Timeout:            rudp.ConnTimeout,
	}
}

// normalize fills unset fields with defaults
func (c ConnConfig) normalize() ConnConfig {
	d := DefaultConnConfig()

	if c.MaxPacketSize <= PacketHeaderSize+bunchHeaderMax {
		c.MaxPacketSize = d.MaxPacketSize
	}
	if c.MaxPacketSize > maxDatagramSize {
		c.MaxPacketSize = maxDatagramSize
	}
	if max := c.MaxPacketSize - PacketHeaderSize - bunchHeaderMax; c.MaxBunchSize <= 0 || c.MaxBunchSize > max {
		c.MaxBunchSize = max
	}
	// payload lengths are encoded as u16
	if c.MaxBunchSize > math.MaxUint16 {
		c.MaxBunchSize = math.MaxUint16
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.MaxChannels <= 0 || c.MaxChannels > 1<<16 {
		c.MaxChannels = d.MaxChannels
	}
	if c.MaxUnackedReliable <= 0 {
		c.MaxUnackedReliable = d.MaxUnackedReliable
	}
	if c.MaxReorderBunches <= 0 {
		c.MaxReorderBunches = d.MaxReorderBunches
	}
	if c.MaxReorderPackets <= 0 {
		c.MaxReorderPackets = d.MaxReorderPackets
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}

	return c
}

// ReplicationConfig holds the settings of the replication pass
type ReplicationConfig struct {
	// MaxEntitiesPerTick caps the entities replicated per connection
	// and tick, 0 means no limit
	MaxEntitiesPerTick int `mapstructure:"max_entities_per_tick" yaml:"max_entities_per_tick"`
	// TickBudget caps the time spent in the pass, 0 means no limit
	TickBudget      time.Duration `mapstructure:"tick_budget" yaml:"tick_budget"`
	NeverSentBias   float64       `mapstructure:"never_sent_bias" yaml:"never_sent_bias"`
	RegainBias      float64       `mapstructure:"regain_bias" yaml:"regain_bias"`
	RelevantTimeout time.Duration `mapstructure:"relevant_timeout" yaml:"relevant_timeout"`
	// MaxConnections rejects new peers once reached, 0 means no limit
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`
}

// DefaultReplicationConfig returns the default replication settings
func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{
		MaxEntitiesPerTick: 64,
		TickBudget:         5 * time.Millisecond,
		NeverSentBias:      1.5,
		RegainBias:         1.2,
		RelevantTimeout:    5 * time.Second,
	}
}

// normalize fills unset biases and timeouts with defaults,
// the limits keep 0 as no limit
func (c ReplicationConfig) normalize() ReplicationConfig {
	d := DefaultReplicationConfig()

	if c.NeverSentBias <= 0 {
		c.NeverSentBias = d.NeverSentBias
	}
	if c.RegainBias <= 0 {
		c.RegainBias = d.RegainBias
	}
	if c.RelevantTimeout <= 0 {
		c.RelevantTimeout = d.RelevantTimeout
	}

	return c
}

// DriverDefinition describes a named Driver to create at startup
type DriverDefinition struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Role: listen or connect
	Role string `mapstructure:"role" yaml:"role"`
	// Address is the local address for listen drivers
	// and the remote one for connect drivers
	Address string `mapstructure:"address" yaml:"address"`
	// Scenario is an optional entity file served by listen drivers
	Scenario string `mapstructure:"scenario" yaml:"scenario"`
}

// DefaultConfig returns a Config populated with defaults
func DefaultConfig() *Config {
	cc := DefaultConnConfig()

	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "log/repnet.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Net: NetConfig{
			TickRate:     30,
			InboundQueue: 1024,
		},
		Connection: ConnectionConfig{
			MaxPacketSize:      cc.MaxPacketSize,
			MaxBunchSize:       cc.MaxBunchSize,
			MaxMessageSize:     cc.MaxMessageSize,
			MaxChannels:        cc.MaxChannels,
			ReservedChannels:   cc.ReservedChannels,
			MaxUnackedReliable: cc.MaxUnackedReliable,
			MaxReorderBunches:  cc.MaxReorderBunches,
			MaxReorderPackets:  cc.MaxReorderPackets,
			ReceivePolicy:      cc.ReceivePolicy.String(),
			AckTimeout:         cc.AckTimeout,
			KeepAliveInterval:  cc.KeepAliveInterval,
			Timeout:            cc.Timeout,
		},
		Replication: DefaultReplicationConfig(),
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    "storage.sqlite",
		},
		Plugins: PluginConfig{
			Enable: true,
			Dir:    "plugins",
		},
	}
}

// LoadConfig reads the configuration from path if it is non-empty,
// otherwise config/repnet.yml is used if it exists.
// Environment variables prefixed with REPNET_ override the file,
// e.g. REPNET_LOG_LEVEL=debug.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("REPNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("REPNET_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("repnet")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.v = v

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("net.tick_rate", cfg.Net.TickRate)
	v.SetDefault("net.inbound_queue", cfg.Net.InboundQueue)

	v.SetDefault("connection.max_packet_size", cfg.Connection.MaxPacketSize)
	v.SetDefault("connection.max_bunch_size", cfg.Connection.MaxBunchSize)
	v.SetDefault("connection.max_message_size", cfg.Connection.MaxMessageSize)
	v.SetDefault("connection.max_channels", cfg.Connection.MaxChannels)
	v.SetDefault("connection.reserved_channels", cfg.Connection.ReservedChannels)
	v.SetDefault("connection.max_unacked_reliable", cfg.Connection.MaxUnackedReliable)
	v.SetDefault("connection.max_reorder_bunches", cfg.Connection.MaxReorderBunches)
	v.SetDefault("connection.max_reorder_packets", cfg.Connection.MaxReorderPackets)
	v.SetDefault("connection.receive_policy", cfg.Connection.ReceivePolicy)
	v.SetDefault("connection.ack_timeout", cfg.Connection.AckTimeout)
	v.SetDefault("connection.keep_alive_interval", cfg.Connection.KeepAliveInterval)
	v.SetDefault("connection.timeout", cfg.Connection.Timeout)

	v.SetDefault("replication.max_entities_per_tick", cfg.Replication.MaxEntitiesPerTick)
	v.SetDefault("replication.tick_budget", cfg.Replication.TickBudget)
	v.SetDefault("replication.never_sent_bias", cfg.Replication.NeverSentBias)
	v.SetDefault("replication.regain_bias", cfg.Replication.RegainBias)
	v.SetDefault("replication.relevant_timeout", cfg.Replication.RelevantTimeout)
	v.SetDefault("replication.max_connections", cfg.Replication.MaxConnections)

	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.dsn", cfg.Store.DSN)

	v.SetDefault("plugins.enable", cfg.Plugins.Enable)
	v.SetDefault("plugins.dir", cfg.Plugins.Dir)
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if _, err := ParseReceivePolicy(c.Connection.ReceivePolicy); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid store.driver: %q", c.Store.Driver)
	}

	if c.Net.TickRate <= 0 {
		return fmt.Errorf("invalid net.tick_rate: %d", c.Net.TickRate)
	}

	names := make(map[string]bool)
	for i := range c.Drivers {
		d := &c.Drivers[i]
		if d.Name == "" {
			return fmt.Errorf("driver %d has no name", i)
		}
		if names[d.Name] {
			return fmt.Errorf("driver %s: %w", d.Name, ErrDriverExists)
		}
		names[d.Name] = true

		if _, err := ParseRole(d.Role); err != nil {
			return fmt.Errorf("driver %s: %w", d.Name, err)
		}
	}

	return nil
}

// ParseReceivePolicy converts the name of a ReceivePolicy
func ParseReceivePolicy(s string) (ReceivePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "immediate":
		return ReceiveImmediate, nil
	case "reorder":
		return ReceiveReorder, nil
	default:
		return 0, fmt.Errorf("invalid receive policy: %q", s)
	}
}

// ParseRole converts the name of a Role
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "listen":
		return RoleListen, nil
	case "connect":
		return RoleConnect, nil
	default:
		return 0, fmt.Errorf("invalid role: %q", s)
	}
}

// ConnConfig returns the runtime connection settings for role
func (c *Config) ConnConfig(role Role) ConnConfig {
	policy, _ := ParseReceivePolicy(c.Connection.ReceivePolicy)

	return ConnConfig{
		Role:               role,
		MaxPacketSize:      c.Connection.MaxPacketSize,
		MaxBunchSize:       c.Connection.MaxBunchSize,
		MaxMessageSize:     c.Connection.MaxMessageSize,
		MaxChannels:        c.Connection.MaxChannels,
		ReservedChannels:   c.Connection.ReservedChannels,
		MaxUnackedReliable: c.Connection.MaxUnackedReliable,
		MaxReorderBunches:  c.Connection.MaxReorderBunches,
		MaxReorderPackets:  c.Connection.MaxReorderPackets,
		ReceivePolicy:      policy,
		AckTimeout:         c.Connection.AckTimeout,
		KeepAliveInterval:  c.Connection.KeepAliveInterval,
		Timeout:            c.Connection.Timeout,
	}.normalize()
}

// ReplicationConfig returns the replication settings
func (c *Config) ReplicationConfig() ReplicationConfig { return c.Replication }

// Driver returns the named driver definition
func (c *Config) Driver(name string) (DriverDefinition, bool) {
	for _, d := range c.Drivers {
		if d.Name == name {
			return d, true
		}
	}

	return DriverDefinition{}, false
}

// Key returns a raw configuration value,
// nested keys are separated by colons, e.g. "log:level"
func (c *Config) Key(key string) interface{} {
	if c.v == nil {
		return nil
	}

	return c.v.Get(strings.ReplaceAll(key, ":", "."))
}

// Marshal encodes the effective configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
