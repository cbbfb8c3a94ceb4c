package slogx

import (
	"fmt"
	"log/slog"
)

const (
	// KeyLoggerName is the attribute key carrying the component that logged.
	KeyLoggerName = "logger"
	// KeySession is the attribute key for a websocket session id.
	KeySession = "session"
	// KeyTopic is the attribute key for a broker topic.
	KeyTopic = "topic"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
// A nil error is rendered as an empty string so callers can log
// optional errors without a guard.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Stringer creates a slog.Attr with the provided key and the string
// representation of the given fmt.Stringer value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// LoggerName creates a slog.Attr with the provided logger name.
// The attribute key is defined by KeyLoggerName.
//
// Parameters:
//   - name: The name of the logger, e.g. "chanman.broker".
//
// Returns:
//
//	A slog.Attr containing the logger name.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Session returns the attribute identifying a subscriber session.
func Session(id string) slog.Attr {
	return slog.String(KeySession, id)
}

// Topic returns the attribute identifying a topic.
func Topic(name string) slog.Attr {
	return slog.String(KeyTopic, name)
}
