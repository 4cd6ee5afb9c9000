package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"docforge/internal/logger"
)

const tracerName = "docforge"

type OtelConfig struct {
	ServiceName string
	// Writer receives pretty-printed spans. Nil disables export.
	Writer io.Writer
}

// StdoutTracing reports whether DOCFORGE_TRACE_STDOUT asks for span export.
func StdoutTracing() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DOCFORGE_TRACE_STDOUT"))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// InitOTel installs a global tracer provider and returns its shutdown func.
func InitOTel(ctx context.Context, log *logger.Logger, cfg OtelConfig) func(context.Context) error {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = tracerName
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", name)))
	if err != nil && log != nil {
		log.Warn("otel resource init failed (continuing)", "error", err)
	}
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Writer != nil {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer), stdouttrace.WithPrettyPrint())
		if err != nil {
			if log != nil {
				log.Warn("otel exporter init failed (continuing)", "error", err)
			}
		} else {
			opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)))
		}
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	if log != nil {
		log.Info("otel tracing initialized", "service", name, "export", cfg.Writer != nil)
	}
	return tp.Shutdown
}

func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
