// ABOUTME: OpenTelemetry tracer for agent turns and compactions
// ABOUTME: Spans use the global provider so tracing is off until one is installed

package turn

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/2389/coven-voice/internal/turn"

var tracer = otel.Tracer(scopeName)
