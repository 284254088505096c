package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// loadConfigValues reads a flat JSON object and renders its scalar values
// as flag strings. Keys use snake_case versions of the flag names.
func loadConfigValues(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for key, value := range raw {
		name := strings.ReplaceAll(key, "_", "-")
		if v, ok := asString(value); ok {
			out[name] = v
			continue
		}
		if v, ok := asBool(value); ok {
			out[name] = strconv.FormatBool(v)
			continue
		}
		if v, ok := asInt(value); ok {
			out[name] = strconv.Itoa(v)
			continue
		}
		return nil, fmt.Errorf("config %s: unsupported value for %s: %v", path, key, value)
	}
	return out, nil
}

// applyConfig fills every flag of fs that was not set on the command line
// from the config file at path.
func applyConfig(fs *flag.FlagSet, path string) error {
	if path == "" {
		return nil
	}
	values, err := loadConfigValues(path)
	if err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "config" {
			continue
		}
		if fs.Lookup(name) == nil {
			return fmt.Errorf("config %s: unknown key %q for %s", path, name, fs.Name())
		}
		if setFlags[name] {
			continue
		}
		if err := fs.Set(name, values[name]); err != nil {
			return fmt.Errorf("config %s: %s: %w", path, name, err)
		}
	}
	return nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	default:
		return 0, false
	}
}
