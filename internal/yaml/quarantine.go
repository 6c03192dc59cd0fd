package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// QuarantineDir is the subdirectory of the task dir holding undecodable records.
const QuarantineDir = ".quarantine"

// Quarantine moves a corrupt record out of the queue namespace so it is no
// longer listed, returning the new path.
func Quarantine(taskDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(taskDir, QuarantineDir)
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().UTC().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}
