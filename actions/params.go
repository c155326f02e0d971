package actions

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/songzhibin97/bizflow/rules"
)

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate replaces ${path} placeholders with values from data. Missing
// paths become empty strings.
func Interpolate(template string, data map[string]interface{}) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-1])
		v, ok := rules.Lookup(data, path)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// resolve interpolates strings inside v. A string that is exactly one
// placeholder keeps the referenced value's type.
func resolve(v interface{}, data map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatch(t); m != nil && m[0] == t {
			if val, ok := rules.Lookup(data, strings.TrimSpace(m[1])); ok {
				return val
			}
			return nil
		}
		return Interpolate(t, data)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = resolve(item, data)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = resolve(item, data)
		}
		return out
	}
	return v
}

func stringParam(config map[string]interface{}, key, def string) (string, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidConfig, key, v)
	}
	return s, nil
}

func mapParam(config map[string]interface{}, key string) (map[string]interface{}, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]interface{}:
		return m, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, item := range m {
			out[fmt.Sprint(k)] = item
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a map, got %T", ErrInvalidConfig, key, v)
}

func stringsParam(config map[string]interface{}, key string) ([]string, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return append([]string(nil), t...), nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must hold strings, got %T", ErrInvalidConfig, key, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a list of strings, got %T", ErrInvalidConfig, key, v)
}

// durationParam accepts a Go duration string or a number of seconds.
func durationParam(config map[string]interface{}, key string) (time.Duration, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		return d, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("%w: %s must be a duration, got %T", ErrInvalidConfig, key, v)
}
