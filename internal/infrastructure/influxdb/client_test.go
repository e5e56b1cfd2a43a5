package influxdb

import (
	"errors"
	"testing"

	"github.com/weavekit/weave-core/internal/infrastructure/config"
)

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect with disabled config = %v, want ErrDisabled", err)
	}
}

func TestWritesAreNoopsWhenDisconnected(t *testing.T) {
	// A zero Client is never connected; writes must not panic.
	c := &Client{}
	c.WriteStateValue("battery", "power.level", 42)
	c.WriteCommandEvent("base.reboot", "done")
	if c.IsConnected() {
		t.Error("zero client reports connected")
	}
}

func TestFieldValueCoercion(t *testing.T) {
	if got := fieldValue(42); got != 42 {
		t.Errorf("int passthrough = %v", got)
	}
	if got := fieldValue(true); got != true {
		t.Errorf("bool passthrough = %v", got)
	}
	if got := fieldValue([]any{1, 2}); got != "[1 2]" {
		t.Errorf("slice coercion = %v", got)
	}
}
