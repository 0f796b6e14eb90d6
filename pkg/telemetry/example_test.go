package telemetry_test

import (
	"context"
	"fmt"
	"log"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
	"github.com/wavedeploy/wavedeploy/pkg/telemetry"
)

// Example_basicSetup demonstrates wiring the observability stack.
func Example_basicSetup() {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		log.Fatal(err)
	}

	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	metrics.DeploymentStarted("shop.example.com")
	metrics.DeploymentCompleted("shop.example.com", engine.DomainStatusSucceeded, 12.5)

	logger.Info().Str("domain", "shop.example.com").Msg("deployment recorded")
	// Output can vary, so we don't specify output for this example
}

// ExampleNewTracer demonstrates creating a tracer and recording a span.
func ExampleNewTracer() {
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false},
		"wavectl", "dev", "development")
	if err != nil {
		log.Fatal(err)
	}
	defer tracer.Shutdown(context.Background())

	_, span := tracer.StartDomainSpan(context.Background(), "shop.example.com", "")
	telemetry.RecordSuccess(span)
	span.End()

	fmt.Println("span recorded")
	// Output: span recorded
}
