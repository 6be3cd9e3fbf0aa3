package logx_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/Enanyy/Frame/internal/logx"
)

func TestConfigureLogLevel(t *testing.T) {
	defer logx.Configure("info")
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"all", zerolog.TraceLevel},
		{"Debug", zerolog.DebugLevel},
		{"WARNING", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, c := range cases {
		logx.Configure(c.in)
		if got := zerolog.GlobalLevel(); got != c.want {
			t.Fatalf("Configure(%q): level %s, want %s", c.in, got, c.want)
		}
	}
}
