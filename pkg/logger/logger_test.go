// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"
	"github.com/stacklok/toolhive-core/logging"
)

func TestTextFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"unset", "", true},
		{"text", "text", true},
		{"json", "json", false},
		{"json upper case", " JSON ", false},
		{"unknown", "logfmt", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			mockEnv := mocks.NewMockReader(ctrl)
			mockEnv.EXPECT().Getenv(EnvLogFormat).Return(tt.envValue)

			assert.Equal(t, tt.expected, textFormat(mockEnv))
		})
	}
}

func TestLevel(t *testing.T) { //nolint:paralleltest // reads global viper state
	tests := []struct {
		envValue string
		expected slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests { //nolint:paralleltest // reads global viper state
		t.Run(tt.envValue, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			mockEnv := mocks.NewMockReader(ctrl)
			mockEnv.EXPECT().Getenv(EnvLogLevel).Return(tt.envValue)

			assert.Equal(t, tt.expected, level(mockEnv))
		})
	}
}

func setSingletonForTest(t *testing.T, l *slog.Logger) {
	t.Helper()
	prev := singleton.Load()
	singleton.Store(l)
	t.Cleanup(func() { singleton.Store(prev) })
}

func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debugf", func() { Debugf("discovery %s", "refreshed") }, "discovery refreshed"},
		{"Debugw", func() { Debugw("jwks lookup", "provider", "google") }, "jwks lookup"},
		{"Infof", func() { Infof("provider %s upserted", "google") }, "provider google upserted"},
		{"Infow", func() { Infow("backchannel logout", "provider", "google") }, "backchannel logout"},
		{"Warnf", func() { Warnf("dropping parameter %s", "state") }, "dropping parameter state"},
		{"Warnw", func() { Warnw("stale discovery", "provider", "google") }, "stale discovery"},
		{"Errorw", func() { Errorw("exchange failed", "provider", "google") }, "exchange failed"},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := logging.New(
				logging.WithOutput(&buf),
				logging.WithLevel(slog.LevelDebug),
			)
			setSingletonForTest(t, l)

			tc.logFn()

			assert.Contains(t, buf.String(), tc.contains)
		})
	}
}

func TestGet(t *testing.T) { //nolint:paralleltest // mutates singleton
	var buf bytes.Buffer
	l := logging.New(logging.WithOutput(&buf))
	setSingletonForTest(t, l)

	got := Get()
	require.NotNil(t, got)

	got.Info("get test")
	assert.Contains(t, buf.String(), "get test")
}

func TestInitializeWithEnv(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name   string
		format string
		level  string
		quiet  bool
	}{
		{"text at info", "", "", false},
		{"json at warn", "json", "warn", true},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tc.name, func(t *testing.T) {
			prev := singleton.Load()
			t.Cleanup(func() { singleton.Store(prev) })

			ctrl := gomock.NewController(t)
			mockEnv := mocks.NewMockReader(ctrl)
			mockEnv.EXPECT().Getenv(EnvLogFormat).Return(tc.format)
			mockEnv.EXPECT().Getenv(EnvLogLevel).Return(tc.level)

			InitializeWithEnv(mockEnv)

			got := singleton.Load()
			require.NotNil(t, got)
			assert.Equal(t, tc.quiet, !got.Enabled(context.Background(), slog.LevelInfo))
		})
	}
}
