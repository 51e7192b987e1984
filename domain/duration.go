package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration represents a `wait`/`timeout` duration, which the DSL allows to
// be spelled three ways: an ISO-8601 duration string, a structured
// {days,hours,minutes,seconds,milliseconds} object, or a runtime expression
// that yields one of the above once evaluated. Expression carries the raw
// text when the YAML scalar looks like a runtime expression; otherwise the
// duration is resolved eagerly at parse time into Fixed.
type Duration struct {
	Expression string
	Fixed      time.Duration
	IsFixed    bool
}

// UnmarshalYAML accepts a scalar (ISO-8601 string or expression) or a
// mapping with day/hour/minute/second/millisecond fields.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		scalar := node.Value
		if looksLikeExpression(scalar) {
			d.Expression = scalar
			return nil
		}
		parsed, err := ParseISO8601Duration(scalar)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", scalar, err)
		}
		d.Fixed = parsed
		d.IsFixed = true
		return nil
	}

	var structured struct {
		Days         int `yaml:"days"`
		Hours        int `yaml:"hours"`
		Minutes      int `yaml:"minutes"`
		Seconds      int `yaml:"seconds"`
		Milliseconds int `yaml:"milliseconds"`
	}
	if err := node.Decode(&structured); err != nil {
		return fmt.Errorf("duration must be a string or a days/hours/minutes/seconds/milliseconds object: %w", err)
	}
	d.Fixed = time.Duration(structured.Days)*24*time.Hour +
		time.Duration(structured.Hours)*time.Hour +
		time.Duration(structured.Minutes)*time.Minute +
		time.Duration(structured.Seconds)*time.Second +
		time.Duration(structured.Milliseconds)*time.Millisecond
	d.IsFixed = true
	return nil
}

func looksLikeExpression(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "${") || strings.HasSuffix(strings.TrimSpace(s), "}")
}

// ParseISO8601Duration parses a subset of ISO-8601 durations sufficient for
// workflow wait/timeout specs: PnDTnHnMnS with optional fractional seconds.
func ParseISO8601Duration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != 'P' {
		return 0, fmt.Errorf("duration must start with P")
	}
	s = s[1:]

	var datePart, timePart string
	if idx := strings.IndexByte(s, 'T'); idx >= 0 {
		datePart, timePart = s[:idx], s[idx+1:]
	} else {
		datePart = s
	}

	var total time.Duration

	days, rest, err := consumeUnit(datePart)
	if err != nil {
		return 0, err
	}
	total += time.Duration(days) * 24 * time.Hour
	if rest != "" {
		return 0, fmt.Errorf("unexpected trailing characters in date part: %q", rest)
	}

	remaining := timePart
	for remaining != "" {
		value, unit, tail, err := consumeValueUnit(remaining)
		if err != nil {
			return 0, err
		}
		switch unit {
		case 'H':
			total += time.Duration(value * float64(time.Hour))
		case 'M':
			total += time.Duration(value * float64(time.Minute))
		case 'S':
			total += time.Duration(value * float64(time.Second))
		default:
			return 0, fmt.Errorf("unsupported time unit %q", string(unit))
		}
		remaining = tail
	}

	return total, nil
}

func consumeUnit(s string) (int, string, error) {
	if s == "" {
		return 0, "", nil
	}
	idx := strings.IndexByte(s, 'D')
	if idx < 0 {
		return 0, "", fmt.Errorf("expected day unit in %q", s)
	}
	n, err := strconv.Atoi(s[:idx])
	if err != nil {
		return 0, "", fmt.Errorf("invalid day count in %q: %w", s, err)
	}
	return n, s[idx+1:], nil
}

func consumeValueUnit(s string) (float64, byte, string, error) {
	i := 0
	for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	if i == 0 {
		return 0, 0, "", fmt.Errorf("expected numeric duration component in %q", s)
	}
	value, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("invalid duration component %q: %w", s[:i], err)
	}
	if i >= len(s) {
		return 0, 0, "", fmt.Errorf("missing time unit after %q", s[:i])
	}
	return value, s[i], s[i+1:], nil
}
