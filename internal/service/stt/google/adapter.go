// Package google provides a Google Cloud Speech-to-Text streaming adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bakkot/transcribe-to-gdocs/internal/observability"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability/metrics"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/stt"
)

const provider = "google"

// Config holds recognition settings sent as the first message of every stream.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string
	Model          string
	UseEnhanced    bool
	Punctuation    bool
}

// DefaultConfig returns the settings used for live microphone dictation.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
		Model:          "video",
		UseEnhanced:    true,
		Punctuation:    true,
	}
}

// NewClient creates a Speech client shared by all sessions. credentialsFile may be
// empty, in which case Application Default Credentials are used.
func NewClient(ctx context.Context, credentialsFile string, m *metrics.Metrics) (*speech.Client, error) {
	opts := []option.ClientOption{
		option.WithGRPCDialOption(grpc.WithChainStreamInterceptor(observability.StreamClientInterceptor(m))),
	}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return c, nil
}

// NewFactory returns an stt.Factory opening one Adapter per session epoch.
func NewFactory(client *speech.Client, cfg Config, m *metrics.Metrics) stt.Factory {
	return func(ctx context.Context) (stt.Adapter, error) {
		return New(client, cfg, m), nil
	}
}

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text.
type Adapter struct {
	client  *speech.Client
	cfg     Config
	metrics *metrics.Metrics

	mu     sync.Mutex
	stream speechpb.Speech_StreamingRecognizeClient
	cb     stt.Callback
	closed bool

	done     chan struct{}
	doneOnce sync.Once
}

// New creates an adapter for a single streaming session.
func New(client *speech.Client, cfg Config, m *metrics.Metrics) *Adapter {
	return &Adapter{client: client, cfg: cfg, metrics: m, done: make(chan struct{})}
}

// Done implements stt.Finisher. It is closed when the listener returns, or on
// Close if the stream was never opened.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

// Start opens a streaming recognition session, sends the config and starts
// delivering results to cb.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		return fmt.Errorf("open streaming recognize: %w", err)
	}

	// Send streaming config as the first message
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         a.recognitionConfig(),
				InterimResults: a.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send streaming config: %w", err)
	}

	a.mu.Lock()
	a.stream = stream
	a.cb = cb
	a.mu.Unlock()

	go a.listen(stream, cb)
	return nil
}

func (a *Adapter) recognitionConfig() *speechpb.RecognitionConfig {
	return &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(a.cfg.AudioEncoding),
		SampleRateHertz:            a.cfg.SampleRateHz,
		LanguageCode:               a.cfg.LanguageCode,
		EnableAutomaticPunctuation: a.cfg.Punctuation,
		Model:                      a.cfg.Model,
		UseEnhanced:                a.cfg.UseEnhanced,
	}
}

// SendAudio sends audio bytes to Google Speech-to-Text. Audio sent after Close is dropped.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.stream == nil {
		return nil
	}
	return a.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

// Close half-closes the stream. Google finishes recognizing buffered audio and
// the listener keeps delivering results until the server ends the stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	if a.stream == nil {
		a.finish()
		return nil
	}
	return a.stream.CloseSend()
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// listen receives transcript responses and invokes callbacks until the stream ends.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback) {
	defer a.finish()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if a.isClosed() && status.Code(err) == codes.Canceled {
				return
			}
			a.fail(cb, err)
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != int32(codes.OK) {
			a.fail(cb, status.ErrorProto(st))
			return
		}

		// Only the first result carries the utterance being recognized; later
		// results are low-stability tails of the same audio.
		if len(resp.Results) == 0 {
			continue
		}
		r := resp.Results[0]
		text := ""
		if len(r.Alternatives) > 0 {
			text = r.Alternatives[0].Transcript
		}
		if r.IsFinal {
			confidence := 0.0
			if len(r.Alternatives) > 0 {
				confidence = float64(r.Alternatives[0].Confidence)
			}
			cb.OnFinal(text, confidence)
		} else {
			cb.OnPartial(text)
		}
	}
}

func (a *Adapter) fail(cb stt.Callback, err error) {
	err = classifyError(err)
	errorType := "fatal"
	if stt.IsExpired(err) {
		errorType = "expired"
	}
	a.metrics.RecordSTTError(provider, errorType)
	log.Debug().Err(err).Str("errorType", errorType).Msg("STT stream ended with error")
	cb.OnError(err)
}

// classifyError maps the recognizer's maximum-duration error (gRPC OUT_OF_RANGE)
// to stt.ErrSessionExpired.
func classifyError(err error) error {
	if status.Code(err) == codes.OutOfRange {
		return fmt.Errorf("%w: %v", stt.ErrSessionExpired, err)
	}
	return err
}

// parseAudioEncoding maps an encoding name to the API enum, defaulting to LINEAR16.
func parseAudioEncoding(name string) speechpb.RecognitionConfig_AudioEncoding {
	switch name {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
