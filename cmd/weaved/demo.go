package main

import (
	"fmt"

	weave "github.com/weavekit/weave-core"
	"github.com/weavekit/weave-core/internal/infrastructure/influxdb"
	"github.com/weavekit/weave-core/internal/infrastructure/logging"
	"github.com/weavekit/weave-core/internal/infrastructure/mqttbus"
)

const demoTraits = `{
	"_ledflasher": {
		"commands": {
			"_set": {
				"minimalRole": "user",
				"parameters": {
					"_led": {"type": "integer", "minimum": 1, "maximum": 3},
					"_on": {"type": "boolean"}
				}
			},
			"_toggle": {
				"minimalRole": "user",
				"parameters": {
					"_led": {"type": "integer", "minimum": 1, "maximum": 3}
				}
			}
		},
		"state": {
			"_leds": {"type": "array", "items": {"type": "boolean"}}
		}
	},
	"_greeter": {
		"commands": {
			"_greet": {
				"minimalRole": "user",
				"parameters": {"_name": {"type": "string"}},
				"results": {"_greeting": {"type": "string"}}
			}
		},
		"state": {
			"_greetings_counter": {"type": "integer"}
		}
	}
}`

// demoHandler services the example _ledflasher and _greeter traits,
// mirroring LED state onto the MQTT bus and the telemetry store when
// those are configured.
type demoHandler struct {
	device *weave.Device
	influx *influxdb.Client
	bus    *mqttbus.Bus
	logger *logging.Logger

	leds    [ledCount]bool
	counter int
}

func newDemoHandler(device *weave.Device, influx *influxdb.Client, logger *logging.Logger) *demoHandler {
	return &demoHandler{device: device, influx: influx, logger: logger}
}

// SetBus attaches the MQTT bridge for state mirroring.
func (h *demoHandler) SetBus(bus *mqttbus.Bus) {
	h.bus = bus
}

// RegisterTraits loads the demo traits and registers the handlers.
func (h *demoHandler) RegisterTraits() {
	h.device.AddTraitDefinitionsFromJSON(demoTraits)
	if err := h.device.AddComponent("ledflasher", []string{"_ledflasher"}); err != nil {
		panic(err)
	}
	if err := h.device.AddComponent("greeter", []string{"_greeter"}); err != nil {
		panic(err)
	}
	h.device.AddCommandHandler("ledflasher", "_ledflasher._set", h.onSet)
	h.device.AddCommandHandler("ledflasher", "_ledflasher._toggle", h.onToggle)
	h.device.AddCommandHandler("greeter", "_greeter._greet", h.onGreet)
	h.device.AddCommandHandler("", "", h.onUnsupported)
	h.publishLedState()
}

func (h *demoHandler) onSet(cmd *weave.Command) {
	parameters := cmd.Parameters()
	index, ok := intParam(parameters, "_led")
	on, okOn := parameters["_on"].(bool)
	if !ok || !okOn || index < 1 || index > ledCount {
		cmd.Abort(fmt.Errorf("invalid _ledflasher._set parameters: %v", parameters))
		return
	}
	h.logger.Info("led set", "led", index, "on", on)
	if h.leds[index-1] != on {
		h.leds[index-1] = on
		h.publishLedState()
	}
	h.finish(cmd)
}

func (h *demoHandler) onToggle(cmd *weave.Command) {
	parameters := cmd.Parameters()
	index, ok := intParam(parameters, "_led")
	if !ok || index < 1 || index > ledCount {
		cmd.Abort(fmt.Errorf("invalid _ledflasher._toggle parameters: %v", parameters))
		return
	}
	h.logger.Info("led toggle", "led", index)
	h.leds[index-1] = !h.leds[index-1]
	h.publishLedState()
	h.finish(cmd)
}

func (h *demoHandler) onGreet(cmd *weave.Command) {
	name, _ := cmd.Parameters()["_name"].(string)
	if name == "" {
		name = "anonymous"
	}
	h.counter++
	if err := h.device.SetStateProperty("greeter", "_greeter._greetings_counter", h.counter); err != nil {
		cmd.Abort(err)
		return
	}
	if h.influx != nil {
		h.influx.WriteStateValue("greeter", "_greeter._greetings_counter", h.counter)
	}
	if err := cmd.Complete(map[string]any{"_greeting": "Hello " + name}); err != nil {
		h.logger.Warn("completing greet failed", "error", err)
		return
	}
	if h.influx != nil {
		h.influx.WriteCommandEvent(cmd.Name(), cmd.State().String())
	}
}

// onUnsupported is the default handler: any command no specific handler
// claims is aborted.
func (h *demoHandler) onUnsupported(cmd *weave.Command) {
	h.logger.Warn("unsupported command", "name", cmd.Name())
	cmd.Abort(fmt.Errorf("command %q is not supported by this device", cmd.Name()))
}

func (h *demoHandler) publishLedState() {
	leds := make([]any, ledCount)
	for i, on := range h.leds {
		leds[i] = on
	}
	state := map[string]any{"_ledflasher": map[string]any{"_leds": leds}}
	if err := h.device.SetStateProperties("ledflasher", state); err != nil {
		h.logger.Error("updating led state failed", "error", err)
		return
	}
	if h.bus != nil {
		if err := h.bus.PublishStateChange("ledflasher", state); err != nil {
			h.logger.Warn("mqtt state publish failed", "error", err)
		}
	}
	if h.influx != nil {
		for i, on := range h.leds {
			h.influx.WriteStateValue("ledflasher", fmt.Sprintf("_leds[%d]", i), on)
		}
	}
}

func (h *demoHandler) finish(cmd *weave.Command) {
	if err := cmd.Complete(nil); err != nil {
		h.logger.Warn("completing command failed", "name", cmd.Name(), "error", err)
		return
	}
	if h.influx != nil {
		h.influx.WriteCommandEvent(cmd.Name(), cmd.State().String())
	}
}

func intParam(parameters map[string]any, key string) (int, bool) {
	switch value := parameters[key].(type) {
	case float64:
		return int(value), true
	case int:
		return value, true
	default:
		return 0, false
	}
}
