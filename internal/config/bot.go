package config

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// BotConfig holds configuration for the headless client.
type BotConfig struct {
	ConfigFile      string        `yaml:"-"`
	LogLevel        string        `yaml:"log_level"`
	ServerHost      string        `yaml:"server_host"`
	StreamPort      int           `yaml:"stream_port"`
	DatagramPort    int           `yaml:"datagram_port"`
	DatagramMode    string        `yaml:"datagram_mode"`
	WSURL           string        `yaml:"ws_url"`
	Name            string        `yaml:"name"`
	CommandInterval time.Duration `yaml:"command_interval"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	ARQInterval     time.Duration `yaml:"arq_interval"`
	MessageMax      int           `yaml:"message_max"`
	Reconnect       bool          `yaml:"reconnect"`
	StatusInterval  time.Duration `yaml:"status_interval"`
}

// SetDefaults fills zero fields with built-in defaults.
func (c *BotConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ServerHost == "" {
		c.ServerHost = "127.0.0.1"
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
	if c.Name == "" {
		c.Name = "bot"
	}
	if c.CommandInterval == 0 {
		c.CommandInterval = 250 * time.Millisecond
	}
	if c.TickInterval == 0 {
		c.TickInterval = 5 * time.Millisecond
	}
	if c.ARQInterval == 0 {
		c.ARQInterval = 10 * time.Millisecond
	}
	if c.MessageMax == 0 {
		c.MessageMax = 1000
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = 5 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("bot.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *BotConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("SERVER_HOST", ""); v != "" {
		c.ServerHost = v
	}
	envInt("STREAM_PORT", &c.StreamPort)
	envInt("DATAGRAM_PORT", &c.DatagramPort)
	if v := GetEnv("DATAGRAM_MODE", ""); v != "" {
		c.DatagramMode = strings.ToLower(v)
	}
	if v := GetEnv("WS_URL", ""); v != "" {
		c.WSURL = v
	}
	if v := GetEnv("BOT_NAME", ""); v != "" {
		c.Name = v
	}
	envDuration("COMMAND_INTERVAL", &c.CommandInterval)
	envDuration("TICK_INTERVAL", &c.TickInterval)
	envDuration("ARQ_INTERVAL", &c.ARQInterval)
	envInt("MESSAGE_MAX", &c.MessageMax)
	envBool("RECONNECT", &c.Reconnect)
	envDuration("STATUS_INTERVAL", &c.StatusInterval)
}

// BindFlagsFromCurrent binds command line flags on fs using the current
// values as defaults.
func (c *BotConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bot config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.ServerHost, "server-host", c.ServerHost, "frame server host")
	fs.IntVar(&c.StreamPort, "stream-port", c.StreamPort, "server TCP stream port")
	fs.IntVar(&c.DatagramPort, "datagram-port", c.DatagramPort, "server UDP datagram port")
	fs.StringVar(&c.DatagramMode, "datagram-mode", c.DatagramMode, "datagram reliability: raw or arq")
	fs.StringVar(&c.WSURL, "ws-url", c.WSURL, "websocket stream URL; overrides the TCP stream when set")
	fs.StringVar(&c.Name, "name", c.Name, "player name sent with the connect request")
	fs.DurationVar(&c.CommandInterval, "command-interval", c.CommandInterval, "interval between synthetic commands")
	fs.DurationVar(&c.TickInterval, "tick-interval", c.TickInterval, "main loop period draining network queues")
	fs.DurationVar(&c.ARQInterval, "arq-interval", c.ARQInterval, "ARQ update period")
	fs.IntVar(&c.MessageMax, "message-max", c.MessageMax, "exclusive upper bound of valid message ids")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect with backoff after the link drops")
	fs.DurationVar(&c.StatusInterval, "status-interval", c.StatusInterval, "interval between status log lines")
}

// LoadFile populates the config from a YAML file.
func (c *BotConfig) LoadFile(path string) error {
	return loadYAML(path, c)
}

// StreamAddr is the host:port of the server stream endpoint.
func (c *BotConfig) StreamAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.StreamPort)
}

// DatagramAddr is the host:port of the server datagram endpoint.
func (c *BotConfig) DatagramAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.DatagramPort)
}
