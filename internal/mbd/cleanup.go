package mbd

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// StaleSessionDropper forces the underlying BLE stack to drop a
// lingering session for addr, left behind by an ungraceful exit.
type StaleSessionDropper interface {
	DropStaleSession(addr string) error
}

// CleanupStaleSessions walks dir for *.btid scratch files written by
// idFile.Save and, for each one, asks dropper to force the OS/BLE
// stack to drop any matching orphaned session, then removes the
// scratch file. Run once at process start and on external prompt. A
// missing dir is not an error: crash recovery is a no-op on a fresh
// install.
func CleanupStaleSessions(dir, suffix string, dropper StaleSessionDropper, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if suffix == "" {
		suffix = ".btid"
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			logger.Warn("mbd: cleanup could not read scratch file", "path", path, "error", readErr)
			continue
		}
		addr := strings.TrimSpace(string(data))
		if addr == "" {
			os.Remove(path)
			continue
		}

		if dropper != nil {
			if err := dropper.DropStaleSession(addr); err != nil {
				logger.Warn("mbd: failed to drop stale session", "address", addr, "error", err)
			} else {
				logger.Info("mbd: dropped stale BLE session from crash recovery", "address", addr)
			}
		}

		if err := os.Remove(path); err != nil {
			logger.Warn("mbd: could not remove scratch file after cleanup", "path", path, "error", err)
		}
	}
	return nil
}
