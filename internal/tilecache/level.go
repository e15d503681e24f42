package tilecache

import (
	"fmt"
	"strings"
)

// Level is the severity attached to engine log events. Values are ordered so
// sinks can filter with a plain comparison.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelWarn
	LevelError
	LevelCrit
	LevelAlert
	LevelEmerg
)

var levelNames = [...]string{
	LevelDebug:  "DEBUG",
	LevelInfo:   "INFO",
	LevelNotice: "NOTICE",
	LevelWarn:   "WARN",
	LevelError:  "ERROR",
	LevelCrit:   "CRIT",
	LevelAlert:  "ALERT",
	LevelEmerg:  "EMERG",
}

// Valid reports whether l lies within DEBUG..EMERG.
func (l Level) Valid() bool {
	return l >= LevelDebug && l <= LevelEmerg
}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel accepts the level names case-insensitively. "warning" and
// "critical" are tolerated as aliases since operators tend to type them.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "NOTICE":
		return LevelNotice, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	case "ALERT":
		return LevelAlert, nil
	case "EMERG", "EMERGENCY":
		return LevelEmerg, nil
	default:
		return LevelDebug, fmt.Errorf("tilecache: unknown log level %q", name)
	}
}

// Levels exposes the name to level table so adapters can publish it.
func Levels() map[string]Level {
	out := make(map[string]Level, len(levelNames))
	for i, name := range levelNames {
		out[name] = Level(i)
	}
	return out
}
