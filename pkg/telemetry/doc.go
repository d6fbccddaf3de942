// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// helpers used by the upstream provider engine.
//
// Every method on *Metrics and *Tracer is safe to call on a nil receiver so
// components can run without instrumentation in tests.
package telemetry
