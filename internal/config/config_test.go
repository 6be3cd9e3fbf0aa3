package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		home        string
		programData string
		want        string
	}{
		{name: "linux", goos: "linux", home: "/home/user", want: "/etc/frame/server.yaml"},
		{name: "darwin", goos: "darwin", home: "/Users/test", want: "/Users/test/Library/Application Support/frame/server.yaml"},
		{name: "windows", goos: "windows", programData: "C:\\ProgramData", want: "C:/ProgramData/frame/server.yaml"},
		{name: "windows default ProgramData", goos: "windows", want: "C:/ProgramData/frame/server.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.ReplaceAll(ResolveConfigPath(tt.goos, tt.home, tt.programData, "server.yaml"), "\\", "/")
			if got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestServerConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	yml := "stream_port: 2000\nsync_mode: optimistic\nframe_interval: 50ms\nspawn_count: 7\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("STREAM_PORT", "3000")
	t.Setenv("DATAGRAM_MODE", "RAW")

	var c ServerConfig
	c.SetDefaults()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	c.ApplyEnv()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlagsFromCurrent(fs)
	if err := fs.Parse([]string{"--spawn-count", "9"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if c.StreamPort != 3000 {
		t.Fatalf("stream port %d, env should win over file", c.StreamPort)
	}
	if c.SyncMode != SyncOptimistic {
		t.Fatalf("sync mode %q, want file value", c.SyncMode)
	}
	if c.FrameInterval != 50*time.Millisecond {
		t.Fatalf("frame interval %v", c.FrameInterval)
	}
	if c.DatagramMode != DatagramRaw {
		t.Fatalf("datagram mode %q", c.DatagramMode)
	}
	if c.SpawnCount != 9 {
		t.Fatalf("spawn count %d, flag should win", c.SpawnCount)
	}
	if c.DatagramPort != 1337 {
		t.Fatalf("datagram port default %d", c.DatagramPort)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestServerConfigValidate(t *testing.T) {
	var c ServerConfig
	c.SetDefaults()
	c.SyncMode = "rollback"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown sync mode")
	}
	c.SetDefaults()
	c.SyncMode = SyncLockStep
	c.DatagramMode = "quic"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown datagram mode")
	}
	c.DatagramMode = DatagramRaw
	c.LivenessTimeout = c.LivenessInterval / 2
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for liveness timeout below the interval")
	}
}

func TestConfigPathFromArgs(t *testing.T) {
	cases := []struct {
		args []string
		want string
		ok   bool
	}{
		{[]string{"--config", "/tmp/a.yaml"}, "/tmp/a.yaml", true},
		{[]string{"--log-level=debug", "--config=/tmp/b.yaml"}, "/tmp/b.yaml", true},
		{[]string{"--log-level", "debug"}, "", false},
	}
	for _, c := range cases {
		got, ok := ConfigPathFromArgs(c.args)
		if got != c.want || ok != c.ok {
			t.Fatalf("ConfigPathFromArgs(%v) = %q,%v", c.args, got, ok)
		}
	}
}

func TestBotConfigEnv(t *testing.T) {
	t.Setenv("SERVER_HOST", "10.0.0.5")
	t.Setenv("RECONNECT", "true")
	t.Setenv("WS_URL", "ws://10.0.0.5:8080/ws")
	var c BotConfig
	c.SetDefaults()
	c.ApplyEnv()
	if c.StreamAddr() != "10.0.0.5:1255" || c.DatagramAddr() != "10.0.0.5:1337" {
		t.Fatalf("addrs %s %s", c.StreamAddr(), c.DatagramAddr())
	}
	if !c.Reconnect || c.WSURL == "" {
		t.Fatalf("env not applied: %+v", c)
	}
}
