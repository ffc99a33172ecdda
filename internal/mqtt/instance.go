package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
)

// InstanceFileName holds the device identifier inside the data directory.
const InstanceFileName = "instance_id"

// LoadOrCreateInstanceID returns the identifier stored in dataDir,
// generating and saving a UUIDv7 on first use. Home Assistant keys the
// device on it, so renaming device_name keeps entity history.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, InstanceFileName)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	if err := atomicwriter.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("save instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}
