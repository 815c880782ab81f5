// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/deduce-dev/dacman-stream/streams"
)

// slog has no trace level.
const levelTrace = slog.LevelDebug - 4

// SlogLogger adapts a *slog.Logger to streams.Logger.
type SlogLogger struct {
	*slog.Logger
}

func (sl SlogLogger) logf(level slog.Level, msg string, args []any) {
	if !sl.Enabled(context.Background(), level) {
		return
	}
	sl.Log(context.Background(), level, fmt.Sprintf(msg, args...))
}

func (sl SlogLogger) Tracef(msg string, args ...any) {
	sl.logf(levelTrace, msg, args)
}

func (sl SlogLogger) Debugf(msg string, args ...any) {
	sl.logf(slog.LevelDebug, msg, args)
}

func (sl SlogLogger) Infof(msg string, args ...any) {
	sl.logf(slog.LevelInfo, msg, args)
}

func (sl SlogLogger) Warnf(msg string, args ...any) {
	sl.logf(slog.LevelWarn, msg, args)
}

func (sl SlogLogger) Errorf(msg string, args ...any) {
	sl.logf(slog.LevelError, msg, args)
}

func slogLevel(level streams.LogLevel) slog.Level {
	switch level {
	case streams.LogLevelTrace:
		return levelTrace
	case streams.LogLevelDebug:
		return slog.LevelDebug
	case streams.LogLevelWarn:
		return slog.LevelWarn
	case streams.LogLevelError, streams.LogLevelNone:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds a "text" or "json" slog logger writing to `w`, tagged with the tool name and pid.
func NewLogger(w io.Writer, service, level, format string) SlogLogger {
	opts := &slog.HandlerOptions{Level: slogLevel(streams.ParseLogLevel(level))}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return SlogLogger{slog.New(handler).With("service", service, "pid", os.Getpid())}
}

// SetupLogging installs a stderr logger for the streams packages. Drivers log at `driverLevel` or above.
func SetupLogging(service, level, format, driverLevel string) streams.Logger {
	logger := NewLogger(os.Stderr, service, level, format)
	return streams.InitLogger(streams.WrapLogger(logger, streams.ParseLogLevel(level)), streams.ParseLogLevel(driverLevel))
}
