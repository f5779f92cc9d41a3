package vmrun

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrNotFound means no vmrun executable could be located
var ErrNotFound = errors.New("vmrun executable not found; install VMware Workstation or Player, or set vmrun_path")

// commonPaths are the stock install locations checked after $PATH
var commonPaths = []string{
	`C:\Program Files (x86)\VMware\VMware Workstation\vmrun.exe`,
	`C:\Program Files\VMware\VMware Workstation\vmrun.exe`,
	`C:\Program Files (x86)\VMware\VMware Player\vmrun.exe`,
	`C:\Program Files\VMware\VMware Player\vmrun.exe`,
	"/usr/bin/vmrun",
	"/usr/local/bin/vmrun",
	"/Applications/VMware Fusion.app/Contents/Library/vmrun",
}

// Locate resolves the vmrun executable. An explicit path other than "auto"
// must exist; otherwise $PATH and the common install locations are searched.
func Locate(configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" && !strings.EqualFold(configured, "auto") {
		path, err := exec.LookPath(configured)
		if err != nil {
			return "", fmt.Errorf("vmrun_path %q: %w", configured, err)
		}
		return path, nil
	}

	if path, err := exec.LookPath("vmrun"); err == nil {
		return path, nil
	}
	for _, path := range commonPaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", ErrNotFound
}
