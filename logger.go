package intelliceil

import (
	"strings"

	"github.com/oarkflow/log"
)

var logger = log.Logger{
	Level:      log.InfoLevel,
	TimeFormat: "2006-01-02 15:04:05",
	Writer:     &log.ConsoleWriter{},
}

// SetLogger replaces the package logger; call before constructing components.
func SetLogger(l log.Logger) {
	logger = l
}

// maskSensitive hides the middle of a secret so it can appear in logs.
func maskSensitive(value string, visible int) string {
	if value == "" {
		return ""
	}
	if len(value) <= visible*2 {
		return strings.Repeat("*", len(value))
	}
	return value[:visible] + strings.Repeat("*", len(value)-visible*2) + value[len(value)-visible:]
}
