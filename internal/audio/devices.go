package audio

import (
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"
)

// InputDevice describes a capture device for the "devices" command and the
// audio.input_device setting.
type InputDevice struct {
	Name              string
	HostAPI           string
	Channels          int
	DefaultSampleRate float64
	LowLatency        time.Duration
	HighLatency       time.Duration
	Default           bool
}

// RecommendedBufferSize returns a buffer of at least 200ms, or three times
// the high input latency when that is longer.
func (d InputDevice) RecommendedBufferSize(sampleRate int) int {
	ms := int(d.HighLatency.Milliseconds() * 3)
	if ms < 200 {
		ms = 200
	}
	return sampleRate * ms / 1000
}

// InputDevices lists devices with at least one input channel. Initialize
// must have been called.
func InputDevices() ([]InputDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	var out []InputDevice
	for _, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		d := InputDevice{
			Name:              dev.Name,
			Channels:          dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			LowLatency:        dev.DefaultLowInputLatency,
			HighLatency:       dev.DefaultHighInputLatency,
			Default:           dev.Name == defaultName,
		}
		if dev.HostApi != nil {
			d.HostAPI = dev.HostApi.Name
		}
		out = append(out, d)
	}
	return out, nil
}
