// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
)

const instrumentationName = "github.com/stacklok/idpbroker"

// Span attribute keys.
var (
	AttrProviderID    = attribute.Key("idpbroker.provider_id")
	AttrAuthMethod    = attribute.Key("idpbroker.token_endpoint_auth_method")
	AttrDiscoveryMode = attribute.Key("idpbroker.discovery_mode")
	AttrErrorType     = attribute.Key("error.type")
)

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer from the global provider.
func NewTracer() *Tracer {
	return NewTracerWithProvider(otel.GetTracerProvider())
}

// NewTracerWithProvider returns a tracer from the given provider.
func NewTracerWithProvider(provider trace.TracerProvider) *Tracer {
	return &Tracer{tracer: provider.Tracer(instrumentationName)}
}

// Start opens a span. The returned function ends it and records the error
// pointed to by err, if any. Only the error kind is put on the span.
func (t *Tracer) Start(
	ctx context.Context, spanName string, attrs ...attribute.KeyValue,
) (context.Context, func(err *error)) {
	if t == nil {
		return ctx, func(*error) {}
	}
	ctx, span := t.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err *error) {
		if err != nil && *err != nil {
			kind := brokererrors.TypeOf(*err)
			if kind == "" {
				kind = "internal"
			}
			span.SetAttributes(AttrErrorType.String(kind))
			span.SetStatus(codes.Error, kind)
		}
		span.End()
	}
}
