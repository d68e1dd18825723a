package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bakkot/transcribe-to-gdocs/internal/service/stt"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.SampleRateHz)
	}
	if cfg.InterimResults != true {
		t.Errorf("expected default interim results true, got %v", cfg.InterimResults)
	}
	if cfg.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.AudioEncoding)
	}
	if cfg.Model != "video" {
		t.Errorf("expected default model 'video', got %s", cfg.Model)
	}
	if !cfg.Punctuation {
		t.Error("expected automatic punctuation to be enabled by default")
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"AMR", speechpb.RecognitionConfig_AMR},
		{"AMR_WB", speechpb.RecognitionConfig_AMR_WB},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS},
		{"SPEEX_WITH_HEADER_BYTE", speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
		{"UNKNOWN", speechpb.RecognitionConfig_LINEAR16}, // fallback
		{"linear16", speechpb.RecognitionConfig_LINEAR16}, // lowercase -> fallback
		{"", speechpb.RecognitionConfig_LINEAR16},        // fallback
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseAudioEncoding(tt.input)
			if got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestRecognitionConfig(t *testing.T) {
	a := New(nil, DefaultConfig(), nil)
	rc := a.recognitionConfig()

	if rc.Encoding != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("expected LINEAR16, got %v", rc.Encoding)
	}
	if rc.SampleRateHertz != 16000 {
		t.Errorf("expected 16000, got %d", rc.SampleRateHertz)
	}
	if !rc.EnableAutomaticPunctuation {
		t.Error("expected automatic punctuation")
	}
	if rc.Model != "video" || !rc.UseEnhanced {
		t.Errorf("expected enhanced video model, got model=%s enhanced=%v", rc.Model, rc.UseEnhanced)
	}
}

func TestClassifyError(t *testing.T) {
	expired := classifyError(status.Error(codes.OutOfRange, "exceeded maximum allowed stream duration"))
	if !stt.IsExpired(expired) {
		t.Errorf("expected OUT_OF_RANGE to be classified as expiry, got %v", expired)
	}

	other := classifyError(status.Error(codes.PermissionDenied, "denied"))
	if stt.IsExpired(other) {
		t.Errorf("expected PERMISSION_DENIED to stay fatal, got %v", other)
	}
}

// fakeStream implements speechpb.Speech_StreamingRecognizeClient with scripted responses.
type fakeStream struct {
	grpc.ClientStream
	responses []*speechpb.StreamingRecognizeResponse
	err       error
	idx       int
}

func (s *fakeStream) Send(*speechpb.StreamingRecognizeRequest) error { return nil }
func (s *fakeStream) CloseSend() error                               { return nil }

func (s *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	if s.idx < len(s.responses) {
		r := s.responses[s.idx]
		s.idx++
		return r, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

type recordingCallback struct {
	mu       sync.Mutex
	partials []string
	finals   []string
	errs     []error
}

func (c *recordingCallback) OnPartial(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partials = append(c.partials, text)
}

func (c *recordingCallback) OnFinal(text string, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finals = append(c.finals, text)
}

func (c *recordingCallback) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func result(text string, final bool) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text, Confidence: 0.9}},
			IsFinal:      final,
		}},
	}
}

func TestListen_DeliversFirstResultOnly(t *testing.T) {
	multi := result("hello wor", false)
	multi.Results = append(multi.Results, &speechpb.StreamingRecognitionResult{
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: " ld"}},
	})
	stream := &fakeStream{responses: []*speechpb.StreamingRecognizeResponse{
		multi,
		{}, // no results
		result("hello world", true),
	}}
	cb := &recordingCallback{}

	New(nil, DefaultConfig(), nil).listen(stream, cb)

	if len(cb.partials) != 1 || cb.partials[0] != "hello wor" {
		t.Errorf("expected one partial 'hello wor', got %v", cb.partials)
	}
	if len(cb.finals) != 1 || cb.finals[0] != "hello world" {
		t.Errorf("expected one final 'hello world', got %v", cb.finals)
	}
	if len(cb.errs) != 0 {
		t.Errorf("expected clean EOF to produce no error, got %v", cb.errs)
	}
}

func TestListen_ReportsExpiry(t *testing.T) {
	stream := &fakeStream{err: status.Error(codes.OutOfRange, "stream too long")}
	cb := &recordingCallback{}

	New(nil, DefaultConfig(), nil).listen(stream, cb)

	if len(cb.errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(cb.errs))
	}
	if !errors.Is(cb.errs[0], stt.ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired, got %v", cb.errs[0])
	}
}

func TestListen_IgnoresCancelAfterClose(t *testing.T) {
	stream := &fakeStream{err: status.Error(codes.Canceled, "context canceled")}
	cb := &recordingCallback{}
	a := New(nil, DefaultConfig(), nil)
	a.stream = stream
	a.Close()

	a.listen(stream, cb)

	if len(cb.errs) != 0 {
		t.Errorf("expected cancel after close to be ignored, got %v", cb.errs)
	}
}

func TestSendAudio_AfterCloseIsDropped(t *testing.T) {
	a := New(nil, DefaultConfig(), nil)
	a.stream = &fakeStream{}
	a.Close()

	if err := a.SendAudio(context.Background(), []byte("audio")); err != nil {
		t.Errorf("expected nil error after close, got %v", err)
	}
}

func TestDone_ClosedWhenListenerReturns(t *testing.T) {
	a := New(nil, DefaultConfig(), nil)
	a.stream = &fakeStream{responses: []*speechpb.StreamingRecognizeResponse{result("bye", true)}}
	a.Close()

	select {
	case <-a.Done():
		t.Fatal("expected Done open while the listener still runs")
	default:
	}

	a.listen(a.stream, &recordingCallback{})

	select {
	case <-a.Done():
	default:
		t.Error("expected Done closed after the listener returned")
	}
}

func TestDone_ClosedOnCloseWithoutStream(t *testing.T) {
	a := New(nil, DefaultConfig(), nil)
	a.Close()

	select {
	case <-a.Done():
	default:
		t.Error("expected Done closed for a session that never opened")
	}
}
