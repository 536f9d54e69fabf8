// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Init returns a JSON handler writing to stderr at level.
// An unparseable level falls back to info.
func Init(level string) slog.Handler {
	return NewHandler(os.Stderr, level)
}

// NewHandler returns a JSON handler writing to w at level
func NewHandler(w io.Writer, level string) slog.Handler {
	var programLevel slog.Level
	if err := (&programLevel).UnmarshalText([]byte(level)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v, using info\n", level, err)
		programLevel = slog.LevelInfo
	}

	leveler := &slog.LevelVar{}
	leveler.Set(programLevel)

	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     leveler,
	})
}

// InitSlog installs a level-filtered JSON logger as the slog default and returns it
func InitSlog(level string) *slog.Logger {
	logger := slog.New(Init(level))
	slog.SetDefault(logger)
	return logger
}
