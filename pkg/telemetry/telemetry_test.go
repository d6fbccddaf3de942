// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
)

func TestMetrics_Observe(t *testing.T) {
	t.Parallel()

	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.ObserveExchange("google", "")
	m.ObserveExchange("google", brokererrors.TypeSignatureInvalid)
	m.ObserveExchange("google", brokererrors.TypeSignatureInvalid)
	m.ObserveDiscovery(OutcomeHit)
	m.ObserveBackchannel("google", OutcomeIgnored)

	assert.InDelta(t, 1, testutil.ToFloat64(m.ExchangesTotal.WithLabelValues("google", OutcomeSuccess, "")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(
		m.ExchangesTotal.WithLabelValues("google", OutcomeFailure, brokererrors.TypeSignatureInvalid)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.DiscoveryTotal.WithLabelValues(OutcomeHit)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BackchannelTotal.WithLabelValues("google", OutcomeIgnored)), 0)
}

func TestMetrics_NilReceiver(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAuthorization("p", OutcomeSuccess)
		m.ObserveExchange("p", "")
		m.ObserveLink("p", "linked")
		m.ObserveDiscovery(OutcomeMiss)
		m.ObserveJWKSRefresh(OutcomeFailure)
		m.ObserveBackchannel("p", OutcomeSuccess)
	})
}

func TestTracer_RecordsErrorKind(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerWithProvider(provider)

	_, end := tracer.Start(context.Background(), "upstream.exchange", AttrProviderID.String("google"))
	err := brokererrors.NewSignatureError("kid not found", errors.New("secret detail"))
	end(&err)

	_, end = tracer.Start(context.Background(), "upstream.authorize")
	var noErr error
	end(&noErr)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "upstream.exchange", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, brokererrors.TypeSignatureInvalid, spans[0].Status().Description)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)

	var nilTracer *Tracer
	_, end = nilTracer.Start(context.Background(), "noop")
	assert.NotPanics(t, func() { end(nil) })
}
