// Package telemetry provides the observability stack shared by the engine daemon and the
// plugin host.
//
// The package combines structured logging (zerolog), distributed tracing (OpenTelemetry)
// and metrics (Prometheus) behind a single Telemetry value built from a Config.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components receive a zerolog.Logger derived from the telemetry logger:
//
//	logger := tel.Logger.Component("sequencer")
//
// # Metrics
//
// Metrics are registered on a private registry and exposed through Metrics.Handler.
// Every recording method is safe to call on a disabled or nil Metrics.
//
// # Tracing
//
// The tracer emits one span per mitigation sequence and one child span per action
// invocation. Supported exporters are stdout, otlp (gRPC) and none.
package telemetry
