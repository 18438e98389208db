package collab

import (
	"fmt"
	"strconv"
	"time"
)

// ParameterConverter is a text <-> value converter for one parametric type
// (spec §6 "text ↔ value converter for parametric types").
type ParameterConverter interface {
	Parse(text string) (any, error)
	Format(value any) (string, error)
}

type intConverter struct{}

func (intConverter) Parse(text string) (any, error) { return strconv.ParseInt(text, 10, 64) }
func (intConverter) Format(v any) (string, error) {
	n, ok := v.(int64)
	if !ok {
		return "", fmt.Errorf("collab: expected int64, got %T", v)
	}
	return strconv.FormatInt(n, 10), nil
}

type boolConverter struct{}

func (boolConverter) Parse(text string) (any, error) { return strconv.ParseBool(text) }
func (boolConverter) Format(v any) (string, error) {
	b, ok := v.(bool)
	if !ok {
		return "", fmt.Errorf("collab: expected bool, got %T", v)
	}
	return strconv.FormatBool(b), nil
}

type durationConverter struct{}

func (durationConverter) Parse(text string) (any, error) { return time.ParseDuration(text) }
func (durationConverter) Format(v any) (string, error) {
	d, ok := v.(time.Duration)
	if !ok {
		return "", fmt.Errorf("collab: expected time.Duration, got %T", v)
	}
	return d.String(), nil
}

// Converters maps parametric type names to their ParameterConverter,
// covering the common cases a UriBuilder or routing layer needs (spec §6).
var Converters = map[string]ParameterConverter{
	"int":      intConverter{},
	"bool":     boolConverter{},
	"duration": durationConverter{},
}
