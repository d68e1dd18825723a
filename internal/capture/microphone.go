package capture

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/bakkot/transcribe-to-gdocs/internal/observability/logging"
)

// queueDepth bounds the chunks held between the device callback and delivery.
const queueDepth = 64

// Microphone captures the default input device as S16LE mono.
type Microphone struct {
	sampleRate int
	chunk      time.Duration
	logger     zerolog.Logger

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
}

// NewMicrophone creates a microphone source. chunk sets the device period and
// so the size of each delivered chunk.
func NewMicrophone(sampleRate int, chunk time.Duration) *Microphone {
	return &Microphone{
		sampleRate: sampleRate,
		chunk:      chunk,
		logger:     logging.WithComponent("microphone"),
	}
}

// Start opens the device and delivers chunks until ctx is cancelled. The device
// callback never blocks: chunks that do not fit the queue are dropped.
func (m *Microphone) Start(ctx context.Context, onAudio func([]byte)) error {
	queue := make(chan []byte, queueDepth)
	if err := m.open(queue); err != nil {
		return err
	}
	defer m.Close()

	m.logger.Info().Int("sampleRate", m.sampleRate).Dur("chunk", m.chunk).Msg("Microphone capture started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-queue:
			onAudio(chunk)
		}
	}
}

func (m *Microphone) open(queue chan<- []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format)

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(m.sampleRate)
	cfg.Capture.Format = format
	cfg.Capture.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(int64(m.sampleRate) * m.chunk.Milliseconds() / 1000)

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			select {
			case queue <- bytes.Clone(pInput[:n]):
			default:
				m.logger.Warn().Int("bytes", n).Msg("Capture queue full, dropping audio")
			}
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("start capture device: %w", err)
	}

	m.mctx = mctx
	m.device = device
	return nil
}

// Close stops and releases the device. It is safe to call more than once.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.device != nil {
		if e := m.device.Stop(); e != nil {
			err = fmt.Errorf("stop capture device: %w", e)
		}
		m.device.Uninit()
		m.device = nil
	}
	if m.mctx != nil {
		_ = m.mctx.Uninit()
		m.mctx.Free()
		m.mctx = nil
	}
	return err
}
