package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	"github.com/querybridge/querybridge/core/logging"
)

// serviceResource describes this process to the export backends. Both the
// trace and the metric pipeline attach the same resource so signals
// correlate on service identity.
func serviceResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
	))
}

// Providers holds the active OTel export pipeline
type Providers struct {
	config        Config
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
}

var (
	providersMu sync.RWMutex
	active      *Providers
)

type otelLoggerErrorHandler struct {
	log *logging.Logger
}

func (h otelLoggerErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	h.log.Warnf("OpenTelemetry warning: %v", err)
}

// Setup resolves the config and installs trace and meter providers.
// With exports disabled the providers are no-ops, so call sites never
// need to guard their Record calls.
func Setup(ctx context.Context, base Config, serviceVersion string) (*Providers, error) {
	cfg, err := ResolveConfig(base)
	if err != nil {
		return nil, err
	}
	if serviceVersion != "" && base.ServiceVersion == "" {
		cfg.ServiceVersion = serviceVersion
	}

	traceProvider, err := buildTraceProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	meterProvider, err := buildMeterProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(traceProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetErrorHandler(otelLoggerErrorHandler{log: logging.New("observability")})

	p := &Providers{
		config:        cfg,
		traceProvider: traceProvider,
		meterProvider: meterProvider,
	}

	providersMu.Lock()
	active = p
	providersMu.Unlock()

	return p, nil
}

// ActiveConfig returns the config of the installed providers
func ActiveConfig() Config {
	providersMu.RLock()
	defer providersMu.RUnlock()
	if active == nil {
		return Config{}
	}
	return active.config
}

// Shutdown flushes and stops the export pipeline
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var shutdownErr error
	if p.traceProvider != nil {
		if err := p.traceProvider.Shutdown(ctx); err != nil {
			shutdownErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; %w", shutdownErr, err)
			} else {
				shutdownErr = err
			}
		}
	}
	return shutdownErr
}
