// Package logutil carries the logging conventions shared by all domaind
// subsystems: every component logs through a pslog.Logger tagged with a
// dot-delimited "sys" field.
package logutil

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Ensure returns l when non-nil, otherwise a disabled logger.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// WithSubsystem attaches a subsystem tag to every entry emitted by logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	logger = Ensure(logger)
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	if len(filtered) == 0 {
		return logger
	}
	return logger.With(SubsystemKey, strings.Join(filtered, "."))
}
