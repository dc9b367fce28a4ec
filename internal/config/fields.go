package config

import (
	"fmt"
	"strings"
	"time"

	"loopsched/internal/clock"
)

// ParseDurationField parses an optional, non-negative duration at path.
// Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// millisField parses a duration that must fit the millisecond clock.
func millisField(path, raw string) (clock.Millis, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d%time.Millisecond != 0 {
		return 0, fmt.Errorf("%s: %q is finer than a millisecond", path, raw)
	}
	ms, err := clock.FromDuration(d)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return ms, nil
}
