package common

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/getlantern/authflow/app"
)

var (
	dataPath atomic.Value
	logPath  atomic.Value
)

// ensure dataPath and logPath are of type string
func init() {
	dataPath.Store("")
	logPath.Store("")
}

// SetupDirectories creates the data and log directories, falling back to the user's config and
// cache directories when none are given.
func SetupDirectories(data, logs string) (dataDir, logDir string, err error) {
	dataDir = data
	if dataDir == "" {
		dataDir = defaultDir(os.UserConfigDir)
	}
	logDir = logs
	if logDir == "" {
		logDir = defaultDir(os.UserCacheDir)
	}
	dataDir = maybeAddSuffix(dataDir, "data")
	logDir = maybeAddSuffix(logDir, "logs")
	for _, path := range []string{dataDir, logDir} {
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", "", fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}

	dataPath.Store(dataDir)
	logPath.Store(logDir)
	return
}

func defaultDir(base func() (string, error)) string {
	dir, err := base()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, app.Name)
}

func maybeAddSuffix(path, suffix string) string {
	if filepath.Base(path) != suffix {
		path = filepath.Join(path, suffix)
	}
	return path
}

func DataPath() string {
	return dataPath.Load().(string)
}

func LogPath() string {
	return logPath.Load().(string)
}
