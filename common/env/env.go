// Package env reads AUTHFLOW_* settings from the process environment and an optional .env file in
// the working directory. Environment variables override the file.
package env

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Key = string

const (
	LogLevel        Key = "AUTHFLOW_LOG_LEVEL"
	LogPath         Key = "AUTHFLOW_LOG_PATH"
	DataPath        Key = "AUTHFLOW_DATA_PATH"
	ConfigPath      Key = "AUTHFLOW_CONFIG"
	ClientID        Key = "AUTHFLOW_CLIENT_ID"
	ClientSecret    Key = "AUTHFLOW_CLIENT_SECRET"
	APIBaseURL      Key = "AUTHFLOW_API_URL"
	OTELEndpoint    Key = "AUTHFLOW_OTEL_ENDPOINT"
	FallbackTimeout Key = "AUTHFLOW_FALLBACK_TIMEOUT"
	DisableReport   Key = "AUTHFLOW_DISABLE_REPORTING"
	SentryDSN       Key = "AUTHFLOW_SENTRY_DSN"
)

var (
	envVars = map[string]string{}
	keys    = []Key{LogLevel, LogPath, DataPath, ConfigPath, ClientID, ClientSecret, APIBaseURL, OTELEndpoint,
		FallbackTimeout, DisableReport, SentryDSN}
)

func init() {
	load(".env")
}

func load(path string) {
	buf, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error(".env file found, but failed to read", slog.Any("error", err))
	} else if err == nil {
		for line := range strings.SplitSeq(string(buf), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if ok {
				envVars[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
			}
		}
	}

	for _, key := range keys {
		if value, exists := os.LookupEnv(key); exists {
			envVars[key] = value
		}
	}
}

// Get returns the value for key converted to T. Supported types are string, bool, int and
// time.Duration. The second return value is false when the key is unset or cannot be converted.
func Get[T string | bool | int | time.Duration](key Key) (T, bool) {
	var zero T
	raw, exists := envVars[key]
	if !exists {
		return zero, false
	}
	var v any
	var err error
	switch any(zero).(type) {
	case string:
		v = raw
	case bool:
		v, err = strconv.ParseBool(raw)
	case int:
		v, err = strconv.Atoi(raw)
	case time.Duration:
		v, err = time.ParseDuration(raw)
	}
	if err != nil {
		slog.Warn("Ignoring malformed environment value", "key", key, "error", err)
		return zero, false
	}
	return v.(T), true
}
