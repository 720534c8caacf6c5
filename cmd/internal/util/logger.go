//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package util

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	logger *zerolog.Logger
}

var instance *Logger

func SetLoggerInstance(l *zerolog.Logger) {
	instance = &Logger{l}
}

func Log() *Logger {
	if instance == nil {
		instance = _defaultLogger()
		instance.Warnf("default logger in use. SetLoggerInstance() should be called first")
	}
	return instance
}

func _defaultLogger() *Logger {
	zeroLogLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Timestamp().Logger()

	return &Logger{&zeroLogLogger}
}

// SetupLogger installs the logger instance. Logs go to stderr and, if
// logOutputFile is set, to a rotated log file.
func SetupLogger(logOutputFile string, verbose bool) {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	var zeroLogLogger zerolog.Logger
	if len(logOutputFile) > 0 {
		var logWriter io.Writer = zerolog.MultiLevelWriter(
			consoleWriter,
			&lumberjack.Logger{
				Filename:   logOutputFile,
				MaxBackups: 10,
				Compress:   true,
			},
		)
		zeroLogLogger = zerolog.New(logWriter).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	} else {
		zeroLogLogger = zerolog.New(consoleWriter).With().Caller().Timestamp().Logger().Level(zerolog.InfoLevel)
	}
	if verbose {
		zeroLogLogger = zeroLogLogger.Level(zerolog.DebugLevel)
	}
	SetLoggerInstance(&zeroLogLogger)
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logger.Debug().Msgf(format, v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.logger.Info().Msgf(format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logger.Warn().Msgf(format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logger.Error().Msgf(format, v...)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.logger.Fatal().Msgf(format, v...)
}

// Err logs a failure along with the error's fields.
func (l *Logger) Err(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}
