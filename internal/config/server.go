package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Datagram reliability modes.
const (
	DatagramRaw = "raw"
	DatagramARQ = "arq"
)

// Synchronization modes.
const (
	SyncLockStep   = "lockstep"
	SyncOptimistic = "optimistic"
)

// ServerConfig holds configuration for the frame server.
type ServerConfig struct {
	ConfigFile       string        `yaml:"-"`
	LogLevel         string        `yaml:"log_level"`
	BindHost         string        `yaml:"bind_host"`
	StreamPort       int           `yaml:"stream_port"`
	DatagramPort     int           `yaml:"datagram_port"`
	DatagramMode     string        `yaml:"datagram_mode"`
	SyncMode         string        `yaml:"sync_mode"`
	FrameInterval    time.Duration `yaml:"frame_interval"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	LivenessTimeout  time.Duration `yaml:"liveness_timeout"`
	ARQInterval      time.Duration `yaml:"arq_interval"`
	MessageMax       int           `yaml:"message_max"`
	QueueSize        int           `yaml:"queue_size"`
	SpawnCount       int           `yaml:"spawn_count"`
	HTTPAddr         string        `yaml:"http_addr"`
	WSPath           string        `yaml:"ws_path"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	RedisAddr        string        `yaml:"redis_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// SetDefaults fills zero fields with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StreamPort == 0 {
		c.StreamPort = 1255
	}
	if c.DatagramPort == 0 {
		c.DatagramPort = 1337
	}
	if c.DatagramMode == "" {
		c.DatagramMode = DatagramARQ
	}
	if c.SyncMode == "" {
		c.SyncMode = SyncLockStep
	}
	if c.FrameInterval == 0 {
		c.FrameInterval = 100 * time.Millisecond
	}
	if c.TickInterval == 0 {
		c.TickInterval = 5 * time.Millisecond
	}
	if c.LivenessInterval == 0 {
		c.LivenessInterval = time.Second
	}
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = 15 * time.Second
	}
	if c.ARQInterval == 0 {
		c.ARQInterval = 10 * time.Millisecond
	}
	if c.MessageMax == 0 {
		c.MessageMax = 1000
	}
	if c.QueueSize == 0 {
		c.QueueSize = 4096
	}
	if c.SpawnCount == 0 {
		c.SpawnCount = 3
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.WSPath == "" {
		c.WSPath = "/ws"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("server.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("BIND_HOST", ""); v != "" {
		c.BindHost = v
	}
	envInt("STREAM_PORT", &c.StreamPort)
	envInt("DATAGRAM_PORT", &c.DatagramPort)
	if v := GetEnv("DATAGRAM_MODE", ""); v != "" {
		c.DatagramMode = strings.ToLower(v)
	}
	if v := GetEnv("SYNC_MODE", ""); v != "" {
		c.SyncMode = strings.ToLower(v)
	}
	envDuration("FRAME_INTERVAL", &c.FrameInterval)
	envDuration("TICK_INTERVAL", &c.TickInterval)
	envDuration("LIVENESS_INTERVAL", &c.LivenessInterval)
	envDuration("LIVENESS_TIMEOUT", &c.LivenessTimeout)
	envDuration("ARQ_INTERVAL", &c.ARQInterval)
	envInt("MESSAGE_MAX", &c.MessageMax)
	envInt("QUEUE_SIZE", &c.QueueSize)
	envInt("SPAWN_COUNT", &c.SpawnCount)
	if v, ok := lookupEnv("HTTP_ADDR"); ok {
		c.HTTPAddr = v
	}
	if v, ok := lookupEnv("WS_PATH"); ok {
		c.WSPath = v
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	envDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
}

// BindFlagsFromCurrent binds command line flags on fs using the current
// values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.BindHost, "bind-host", c.BindHost, "interface the stream and datagram sockets bind to; empty binds all")
	fs.IntVar(&c.StreamPort, "stream-port", c.StreamPort, "TCP port for the reliable stream channel")
	fs.IntVar(&c.DatagramPort, "datagram-port", c.DatagramPort, "UDP port for the datagram channel")
	fs.StringVar(&c.DatagramMode, "datagram-mode", c.DatagramMode, "datagram reliability: raw or arq")
	fs.StringVar(&c.SyncMode, "sync-mode", c.SyncMode, "frame synchronization: lockstep or optimistic")
	fs.DurationVar(&c.FrameInterval, "frame-interval", c.FrameInterval, "simulation frame interval")
	fs.DurationVar(&c.TickInterval, "tick-interval", c.TickInterval, "main loop period draining network queues")
	fs.DurationVar(&c.LivenessInterval, "liveness-interval", c.LivenessInterval, "stream liveness check period")
	fs.DurationVar(&c.LivenessTimeout, "liveness-timeout", c.LivenessTimeout, "silence after which a session is dropped")
	fs.DurationVar(&c.ARQInterval, "arq-interval", c.ARQInterval, "ARQ update period per peer")
	fs.IntVar(&c.MessageMax, "message-max", c.MessageMax, "exclusive upper bound of valid message ids")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "capacity of each inbound event queue")
	fs.IntVar(&c.SpawnCount, "spawn-count", c.SpawnCount, "entities spawned by the server when the room begins")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "status API and metrics listen address; empty disables")
	fs.StringVar(&c.WSPath, "ws-path", c.WSPath, "websocket stream endpoint path on the HTTP server; empty disables")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for room status")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "time to wait for network loops on shutdown")
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	return loadYAML(path, c)
}

// Validate reports configuration values the server cannot run with.
func (c *ServerConfig) Validate() error {
	switch c.DatagramMode {
	case DatagramRaw, DatagramARQ:
	default:
		return fmt.Errorf("config: invalid datagram mode %q", c.DatagramMode)
	}
	switch c.SyncMode {
	case SyncLockStep, SyncOptimistic:
	default:
		return fmt.Errorf("config: invalid sync mode %q", c.SyncMode)
	}
	if c.FrameInterval <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("config: frame and tick intervals must be positive")
	}
	if c.LivenessTimeout < c.LivenessInterval {
		return fmt.Errorf("config: liveness timeout %s is shorter than the check interval %s", c.LivenessTimeout, c.LivenessInterval)
	}
	if c.MessageMax <= 1 {
		return fmt.Errorf("config: message max %d leaves no valid ids", c.MessageMax)
	}
	return nil
}

func unmarshalYAML(b []byte, dst any) error {
	return yaml.Unmarshal(b, dst)
}
