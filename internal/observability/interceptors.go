// Package observability provides gRPC interceptors and the metrics HTTP server.
package observability

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bakkot/transcribe-to-gdocs/internal/observability/metrics"
)

// StreamClientInterceptor returns a gRPC client stream interceptor that records
// stream lifetimes for the recognizer connection.
func StreamClientInterceptor(m *metrics.Metrics) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		start := time.Now()

		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			st, _ := status.FromError(err)
			log.Warn().
				Str("method", method).
				Str("code", st.Code().String()).
				Msg("gRPC stream open failed")
			return nil, err
		}

		m.RecordStreamStart()
		return &observedStream{ClientStream: cs, method: method, start: start, metrics: m}, nil
	}
}

// observedStream records the end of a stream the first time RecvMsg fails.
type observedStream struct {
	grpc.ClientStream
	method  string
	start   time.Time
	metrics *metrics.Metrics
	once    sync.Once
}

func (s *observedStream) RecvMsg(msg any) error {
	err := s.ClientStream.RecvMsg(msg)
	if err != nil {
		s.once.Do(func() { s.finish(err) })
	}
	return err
}

func (s *observedStream) finish(err error) {
	code := codes.OK
	if !errors.Is(err, io.EOF) {
		code = status.Code(err)
	}
	duration := time.Since(s.start)
	s.metrics.RecordStreamEnd(code.String(), duration.Seconds())

	log.Info().
		Str("method", s.method).
		Str("code", code.String()).
		Dur("duration", duration).
		Msg("gRPC stream completed")
}
