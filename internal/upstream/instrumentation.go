// ABOUTME: OpenTelemetry tracer for upstream session handshakes
// ABOUTME: Spans use the global provider so tracing is off until one is installed

package upstream

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/2389/coven-voice/internal/upstream"

var tracer = otel.Tracer(scopeName)
