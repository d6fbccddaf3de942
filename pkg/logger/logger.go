// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide logger used by the broker and its CLI.
//
// This is a thin shim over toolhive-core/logging. Components that need a
// logger in a struct should take a *slog.Logger; use [Get] to obtain it.
package logger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// singleton is the package-level logger created by Initialize.
var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(logging.New())
}

func get() *slog.Logger {
	return singleton.Load()
}

// Get returns the underlying *slog.Logger for injection into structs.
func Get() *slog.Logger {
	return get()
}

// Set replaces the singleton logger. This is intended for tests that need to
// capture log output; production code should use [Initialize] instead.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debug(msg, keysAndValues...)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	get().Debug(fmt.Sprintf(msg, args...))
}

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Info(msg, keysAndValues...)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	get().Info(fmt.Sprintf(msg, args...))
}

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warn(msg, keysAndValues...)
}

// Warnf logs a formatted message at warning level.
func Warnf(msg string, args ...any) {
	get().Warn(fmt.Sprintf(msg, args...))
}

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
}

// Environment variables read by Initialize.
const (
	// EnvLogFormat selects "text" (default) or "json" output.
	EnvLogFormat = "IDPBROKER_LOG_FORMAT"
	// EnvLogLevel is one of debug, info, warn or error. Defaults to info.
	EnvLogLevel = "IDPBROKER_LOG_LEVEL"
)

// Initialize configures the singleton from the process environment and the
// global --debug flag.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv configures the singleton reading variables from envReader.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option
	if textFormat(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	opts = append(opts, logging.WithLevel(level(envReader)))

	singleton.Store(logging.New(opts...))
}

func textFormat(envReader env.Reader) bool {
	return !strings.EqualFold(strings.TrimSpace(envReader.Getenv(EnvLogFormat)), "json")
}

// level returns the configured level. The --debug flag wins over the environment.
func level(envReader env.Reader) slog.Level {
	if viper.GetBool("debug") {
		return slog.LevelDebug
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(envReader.Getenv(EnvLogLevel)))); err != nil {
		return slog.LevelInfo
	}
	return l
}
