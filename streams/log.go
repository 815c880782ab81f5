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

package streams

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

type LogLevel int

// ParseLogLevel converts "trace", "debug", "info", "warn", "error" or "none" to a LogLevel.
// Unknown values map to LogLevelInfo.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LogLevelTrace
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	case "none", "off":
		return LogLevelNone
	}
	return LogLevelInfo
}

const (
	LogLevelNone LogLevel = iota
	LogLevelTrace
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Translate to LogLevel to kgo.LogLevel
func toKgoLoglevel(level LogLevel) kgo.LogLevel {
	switch level {
	// kgo does not define Trace, let's just say Trace == Debug
	case LogLevelTrace, LogLevelDebug:
		return kgo.LogLevelDebug
	case LogLevelInfo:
		return kgo.LogLevelInfo
	case LogLevelWarn:
		return kgo.LogLevelWarn
	case LogLevelError:
		return kgo.LogLevelError
	}
	return kgo.LogLevelNone
}

/*
Provides the interface needed by dstream to intergrate with your logging mechanism. Example:

	 import (
		"mylogger"
		"github.com/deduce-dev/dacman-stream/streams"
	 )

	 func main() {
		// dstream will emit log at whatever level is defined by NewLogger()
		// broker and kafka drivers will emit logs at LogLevelError
		streams.InitLogger(mylogger.NewLogger(), streams.LogLevelError)
	 }
*/
type Logger interface {
	Tracef(msg string, args ...any)
	Debugf(msg string, args ...any)
	Infof(msg string, args ...any)
	Warnf(msg string, args ...any)
	Errorf(msg string, args ...any)
}

// SimpleLogger implements Logger and writes to STDOUT. Good for development purposes.
type SimpleLogger LogLevel

type lazyTimeStampStringer struct{}

func (lazyTimeStampStringer) String() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var lazyTimeStamp = lazyTimeStampStringer{}

func (sl SimpleLogger) Tracef(msg string, args ...any) {
	if LogLevelTrace >= LogLevel(sl) && LogLevel(sl) != LogLevelNone {
		fmt.Println(lazyTimeStamp, "[TRACE] -", fmt.Sprintf(msg, args...))
	}
}

func (sl SimpleLogger) Debugf(msg string, args ...any) {
	if LogLevelDebug >= LogLevel(sl) && LogLevel(sl) != LogLevelNone {
		fmt.Println(lazyTimeStamp, "[DEBUG] -", fmt.Sprintf(msg, args...))
	}
}

func (sl SimpleLogger) Infof(msg string, args ...any) {
	if LogLevelInfo >= LogLevel(sl) && LogLevel(sl) != LogLevelNone {
		fmt.Println(lazyTimeStamp, "[INFO] -", fmt.Sprintf(msg, args...))
	}
}

func (sl SimpleLogger) Warnf(msg string, args ...any) {
	if LogLevelWarn >= LogLevel(sl) && LogLevel(sl) != LogLevelNone {
		fmt.Println(lazyTimeStamp, "[WARN] -", fmt.Sprintf(msg, args...))
	}
}

func (sl SimpleLogger) Errorf(msg string, args ...any) {
	if LogLevelError >= LogLevel(sl) && LogLevel(sl) != LogLevelNone {
		fmt.Println(lazyTimeStamp, "[ERROR] -", fmt.Sprintf(msg, args...))
	}
}

// logWrapper allows you to utilize your own logger, but with a specific logging level for streams.
type logWrapper struct {
	level  LogLevel
	logger Logger
}

/*
WrapLogger allows dstream to emit logs at a higher level than your own Logger.
Useful if you need debug level logging for your own operators, but do not want every dequeue poll in your logs.
Example:

	 import (
		"mylogger"
		"github.com/deduce-dev/dacman-stream/streams"
	 )

	 func main() {
		// your operators will emit logs at "Debug"
		// dstream will emit logs at LogLevelWarn
		// drivers will emit logs at LogLevelNone
		dsLogger := streams.WrapLogger(mylogger.NewLogger("Debug"), streams.LogLevelWarn)
		streams.InitLogger(dsLogger, streams.LogLevelNone)
	 }
*/
func WrapLogger(logger Logger, level LogLevel) Logger {
	return logWrapper{
		level:  level,
		logger: logger,
	}
}

func (lw logWrapper) Tracef(msg string, args ...any) {
	if LogLevelTrace >= lw.level && lw.level != LogLevelNone {
		lw.logger.Tracef(msg, args...)
	}
}

func (lw logWrapper) Debugf(msg string, args ...any) {
	if LogLevelDebug >= lw.level && lw.level != LogLevelNone {
		lw.logger.Debugf(msg, args...)
	}
}

func (lw logWrapper) Infof(msg string, args ...any) {
	if LogLevelInfo >= lw.level && lw.level != LogLevelNone {
		lw.logger.Infof(msg, args...)
	}
}

func (lw logWrapper) Warnf(msg string, args ...any) {
	if LogLevelWarn >= lw.level && lw.level != LogLevelNone {
		lw.logger.Warnf(msg, args...)
	}
}

func (lw logWrapper) Errorf(msg string, args ...any) {
	if LogLevelError >= lw.level && lw.level != LogLevelNone {
		lw.logger.Errorf(msg, args...)
	}
}

var log Logger = SimpleLogger(LogLevelError)
var kgoLogger kgo.Logger = kgoLogWrapper(kgo.LogLevelError)
var driverLevel = LogLevelError

// Log returns the logger installed by InitLogger. Sub-packages (brokers, ingest, wsock) log through it.
func Log() Logger {
	return log
}

// KgoLogger returns a kgo.Logger that forwards franz-go client logs to the installed Logger.
func KgoLogger() kgo.Logger {
	return kgoLogger
}

// DriverLogLevel is the level passed to InitLogger for third-party drivers (Kafka, Redis, NATS).
func DriverLogLevel() LogLevel {
	return driverLevel
}

type kgoLogWrapper kgo.LogLevel

func (klw kgoLogWrapper) Level() kgo.LogLevel {
	return kgo.LogLevel(klw)
}

func (klw kgoLogWrapper) Log(level kgo.LogLevel, msg string, keyvals ...interface{}) {
	switch level {
	case kgo.LogLevelDebug:
		log.Debugf(msg, keyvals...)
	case kgo.LogLevelInfo:
		log.Infof(msg, keyvals...)
	case kgo.LogLevelWarn:
		log.Warnf(msg, keyvals...)
	case kgo.LogLevelError:
		log.Errorf(msg, keyvals...)
	}
}

var oneLogger = sync.Once{}

/*
Initializes the dstream logger. `driverLogLevel` defines the log level for the underlying broker and kgo clients.
This call should be the first interaction with the dstream module. Subsequent calls will have no effect.
If never called, the default unitialized logger writes to STDOUT at LogLevelError for both dstream and its drivers. Example:

	 import "github.com/deduce-dev/dacman-stream/streams"

	 func main() {
		streams.InitLogger(streams.SimpleLogger(streams.LogLevelInfo), streams.LogLevelError)
		// ... initialize your application
	 }
*/
func InitLogger(l Logger, driverLogLevel LogLevel) Logger {
	oneLogger.Do(func() {
		log = l
		driverLevel = driverLogLevel
		kgoLogger = kgoLogWrapper(toKgoLoglevel(driverLogLevel))
	})
	return log
}
