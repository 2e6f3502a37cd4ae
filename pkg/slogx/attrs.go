package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns a slog attribute with the key "error" holding the error's
// message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Stringer returns a slog attribute holding the string rendering of value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// Handler returns a slog attribute identifying a message handler by name.
func Handler(name string) slog.Attr {
	return slog.String("handler", name)
}

// Channel returns a slog attribute identifying a broker channel.
func Channel(name string) slog.Attr {
	return slog.String("channel", name)
}
