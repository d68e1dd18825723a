package reconcile

import "go.opentelemetry.io/otel"

const scopeName = "github.com/bakkot/transcribe-to-gdocs/internal/service/reconcile"

var tracer = otel.Tracer(scopeName)
