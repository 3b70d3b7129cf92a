package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const deviceIDFileName = "device-id"

// LoadOrCreateDeviceID returns this installation's stable device identifier,
// generating and persisting a UUIDv7 on first run.
func LoadOrCreateDeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, deviceIDFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		deviceID := strings.TrimSpace(string(data))
		if deviceID != "" {
			return deviceID, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("sync: read device id: %w", err)
	}

	value, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("sync: generate device id: %w", err)
	}
	deviceID := value.String()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("sync: create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(deviceID+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("sync: persist device id: %w", err)
	}
	return deviceID, nil
}
