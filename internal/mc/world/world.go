// Package world deletes the server's world directory between runs.
package world

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Manager removes the world directory during a reset. The path is validated
// at construction so a misconfigured deployment fails before anything is
// deleted.
type Manager struct {
	path string
}

// New builds a manager for the world directory at path. It rejects paths
// that resolve to the filesystem root or a common system directory.
func New(path string) (*Manager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("world path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve world path: %w", err)
	}
	if err := checkSafe(abs); err != nil {
		return nil, err
	}
	return &Manager{path: abs}, nil
}

// Path returns the resolved world directory.
func (m *Manager) Path() string {
	return m.path
}

// Delete removes the world directory and everything under it. A missing
// directory is not an error; the server simply generates a fresh world.
func (m *Manager) Delete() error {
	info, err := os.Stat(m.path)
	if os.IsNotExist(err) {
		log.Printf("world directory %s does not exist, nothing to delete", m.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat world directory %s: %w", m.path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("world path %s is not a directory", m.path)
	}

	if err := os.RemoveAll(m.path); err != nil {
		return fmt.Errorf("delete world directory %s: %w", m.path, err)
	}
	log.Printf("world directory %s deleted", m.path)
	return nil
}

// checkSafe refuses paths whose deletion would be catastrophic.
func checkSafe(abs string) error {
	dangerous := []string{"/", "/usr", "/home", "/var", "/etc", "/tmp", "/opt"}
	if home, err := os.UserHomeDir(); err == nil {
		dangerous = append(dangerous, home)
	}
	cleaned := filepath.Clean(abs)
	for _, d := range dangerous {
		if cleaned == d {
			return fmt.Errorf("world path %s points at a dangerous location", cleaned)
		}
	}
	return nil
}
