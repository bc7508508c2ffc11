package chatsync

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Spans go to the global provider; they are no-ops until the host
// application installs one.
var tracer = otel.Tracer("github.com/NeboLoop/chatsync-go-sdk")

func recordErr(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
