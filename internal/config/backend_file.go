package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// xdgDir returns $<env> or ~/<fallback>, joined with "docket".
func xdgDir(env, fallback, last string) string {
	dir := os.Getenv(env)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return last
		}
		dir = filepath.Join(home, fallback)
	}
	return filepath.Join(dir, "docket")
}

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"), "docket-data")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config", "."), "config.json")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

// fileBackend keeps config as one flat JSON object keyed by dotted names.
type fileBackend struct {
	path   string
	values map[string]any
}

// newFileBackend reads path. A missing or unreadable file yields an empty
// backend, so defaults apply.
func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]any{}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
	default:
		if err := json.Unmarshal(data, &b.values); err != nil {
			slog.Warn("config file is not valid JSON, using defaults", "path", path, "error", err)
			b.values = map[string]any{}
		}
	}
	return b
}

func (b *fileBackend) Lookup(key string) (string, bool, error) {
	v, ok := b.values[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	case float64:
		// JSON numbers decode as float64; integral values must still parse
		// as ints.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10), true, nil
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true, nil
	}
	return "", true, fmt.Errorf("%s: unsupported value of type %T", key, v)
}

func (b *fileBackend) Store(key string, value any) error {
	if d, ok := value.(time.Duration); ok {
		value = d.String()
	}
	b.values[key] = value
	return b.save()
}

// save writes the file through a temp file and rename so a crash never
// leaves it half written.
func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
