// Package deviceid provides a stable identifier for this installation, attached to telemetry and
// crash reports.
package deviceid

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/getlantern/authflow/app"
	"github.com/getlantern/authflow/common/atomicfile"
)

// oldStyleDeviceID returns a device ID derived from the MAC address. It is only used when a random
// UUID cannot be generated.
func oldStyleDeviceID() string {
	return base64.StdEncoding.EncodeToString(uuid.NodeID())
}

// Get returns the identifier stored in dataDir, creating and persisting a random UUID on first use.
func Get(dataDir string) string {
	path := filepath.Join(dataDir, app.DeviceIDFileName)
	if existing, err := atomicfile.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(existing)); id != "" {
			return id
		}
	}
	id := newDeviceID()
	if err := atomicfile.WriteFile(path, []byte(id), 0o644); err != nil {
		slog.Error("Error persisting new deviceID", "error", err)
	}
	return id
}

func newDeviceID() string {
	newID, err := uuid.NewRandom()
	if err != nil {
		slog.Error("Error generating new deviceID, defaulting to old-style device ID", "error", err)
		return oldStyleDeviceID()
	}
	return newID.String()
}

// Exists reports whether a device ID has been persisted in dataDir.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, app.DeviceIDFileName))
	return err == nil
}
