package svcregistry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/GoCodeAlone/svcregistry"

// Span names.
const (
	spanPublish     = "svcregistry.publish"
	spanFindOne     = "svcregistry.find_one"
	spanFindMany    = "svcregistry.find_many"
	spanApplyToOne  = "svcregistry.apply_to_one"
	spanApplyToMany = "svcregistry.apply_to_many"
	spanTrackerOpen = "svcregistry.tracker.open"
)

// Span attribute keys.
const (
	attrContract = attribute.Key("svcregistry.contract")
	attrFilter   = attribute.Key("svcregistry.filter")
	attrMatches  = attribute.Key("svcregistry.matches")
	attrID       = attribute.Key("svcregistry.service_id")
)

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func (sc *ServiceContext) startSpan(ctx context.Context, name string, contract Contract, filterText string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attrContract.String(string(contract))}
	if filterText != "" {
		attrs = append(attrs, attrFilter.String(filterText))
	}
	return sc.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err, if any, and ends span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
