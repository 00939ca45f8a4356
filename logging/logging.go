package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

var globalLevel = &slog.LevelVar{}

func SetLevel(level slog.Level) {
	globalLevel.Set(level)
}

// ParseLevel reads a level name such as "debug" or "WARN".
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}
