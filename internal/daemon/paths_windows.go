//go:build windows

package daemon

import (
	"os"
	"path/filepath"
	"strings"
)

func defaultConfigDir() string {
	root := strings.TrimSpace(os.Getenv("ProgramData"))
	if root == "" {
		root = `C:\ProgramData`
	}
	return filepath.Join(root, "Scanfleet", "daemon")
}
