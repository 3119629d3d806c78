package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/liuscraft/safeword/internal/logging"
)

type Config struct {
	SampleRate  int
	Channels    int
	BufferSize  int
	HighLatency bool
	DeviceName  string
}

// Microphone captures 16-bit PCM from an input device.
type Microphone struct {
	stream     audioStream
	sampleRate int
	bufferSize int
	buffer     []int16
	closeCh    chan struct{}
	closeOnce  sync.Once

	startOnce sync.Once
	startErr  error

	mu           sync.Mutex
	totalReads   int64
	blockedReads int64
	overflows    int64
	lastLogTime  time.Time
}

type audioStream interface {
	Start() error
	Read() error
	Abort() error
	Stop() error
	Close() error
}

// Initialize prepares portaudio for the process. The returned func
// terminates it.
func Initialize() (func(), error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return func() {
		if err := portaudio.Terminate(); err != nil {
			logging.Warnf("terminate portaudio: %v", err)
		}
	}, nil
}

// OpenMicrophone opens the configured input device. The stream starts on
// the first Read so no input overflows between opening and listening.
func OpenMicrophone(cfg Config) (*Microphone, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, errors.New("microphone sample rate and channels must be positive")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.SampleRate / 10
	}
	buffer := make([]int16, cfg.BufferSize*cfg.Channels)

	var device *portaudio.DeviceInfo
	if cfg.DeviceName != "" {
		dev, err := findInputDevice(cfg.DeviceName)
		if err != nil {
			logging.Warnf("microphone: device %q not found, falling back to default: %v", cfg.DeviceName, err)
		}
		device = dev
	}
	if device == nil {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			logging.Warnf("microphone: no default input device: %v", err)
			return openDefault(cfg, buffer)
		}
		device = dev
	}

	latency := device.DefaultLowInputLatency
	if cfg.HighLatency {
		latency = device.DefaultHighInputLatency
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: cfg.Channels,
			Latency:  latency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.BufferSize,
	}
	stream, err := portaudio.OpenStream(params, &buffer)
	if err != nil {
		logging.Warnf("microphone: open %s failed, falling back to default stream: %v", device.Name, err)
		return openDefault(cfg, buffer)
	}

	logging.Infof("microphone: device=%s sample_rate=%d channels=%d buffer=%d latency=%.1fms",
		device.Name, cfg.SampleRate, cfg.Channels, cfg.BufferSize, latency.Seconds()*1000)
	return newMicrophone(stream, cfg.SampleRate, cfg.BufferSize, buffer), nil
}

func openDefault(cfg Config, buffer []int16) (*Microphone, error) {
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.BufferSize, &buffer)
	if err != nil {
		return nil, fmt.Errorf("open default input stream: %w", err)
	}
	return newMicrophone(stream, cfg.SampleRate, cfg.BufferSize, buffer), nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	nameLower := strings.ToLower(name)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), nameLower) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no input device found matching %q", name)
}

func newMicrophone(stream audioStream, sampleRate, bufferSize int, buffer []int16) *Microphone {
	return &Microphone{
		stream:     stream,
		sampleRate: sampleRate,
		bufferSize: bufferSize,
		buffer:     buffer,
		closeCh:    make(chan struct{}),
	}
}

func (m *Microphone) start() error {
	m.startOnce.Do(func() {
		if err := m.stream.Start(); err != nil {
			m.startErr = fmt.Errorf("start input stream: %w", err)
		}
	})
	return m.startErr
}

// Read blocks for one buffer of little-endian PCM. Input overflows are
// counted and the captured buffer is still returned.
func (m *Microphone) Read(ctx context.Context) ([]byte, error) {
	if err := m.start(); err != nil {
		return nil, err
	}

	readStart := time.Now()
	readErr := make(chan error, 1)
	go func() {
		readErr <- m.stream.Read()
	}()

	select {
	case <-ctx.Done():
		m.abort("context canceled")
		return nil, ctx.Err()
	case <-m.closeCh:
		m.abort("microphone closed")
		return nil, io.EOF
	case err := <-readErr:
		m.recordRead(time.Since(readStart), err)
		if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			select {
			case <-m.closeCh:
				return nil, io.EOF
			default:
			}
			return nil, err
		}
	}

	data := make([]byte, len(m.buffer)*2)
	for i, v := range m.buffer {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data, nil
}

func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeCh)
	})
	if err := m.stream.Stop(); err != nil {
		logging.Debugf("microphone: stop stream: %v", err)
	}
	if err := m.stream.Close(); err != nil {
		return fmt.Errorf("close input stream: %w", err)
	}
	return nil
}

func (m *Microphone) abort(reason string) {
	if err := m.stream.Abort(); err != nil {
		logging.Warnf("microphone: abort stream (%s): %v", reason, err)
	}
}

func (m *Microphone) recordRead(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalReads++
	if errors.Is(err, portaudio.InputOverflowed) {
		m.overflows++
	}
	expected := time.Duration(float64(m.bufferSize) / float64(m.sampleRate) * float64(time.Second))
	if duration > expected*3 {
		m.blockedReads++
	}

	now := time.Now()
	if now.Sub(m.lastLogTime) >= time.Minute {
		m.lastLogTime = now
		logging.Debugf("microphone: reads=%d blocked=%d overflows=%d", m.totalReads, m.blockedReads, m.overflows)
	}
}
