// Package proc reads the minimal process metadata the watcher needs from
// procfs: the comm name, the raw argument vector, and the working
// directory of the pid that triggered an intercepted execution.
package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Root is the procfs mount point. Variable so tests can point it at a
// fixture tree.
var Root = "/proc"

func pidPath(pid int, name string) string {
	return filepath.Join(Root, strconv.Itoa(pid), name)
}

// Comm returns the process's comm name, truncated by the kernel to 15
// characters.
func Comm(pid int) (string, error) {
	data, err := os.ReadFile(pidPath(pid, "comm"))
	if err != nil {
		return "", fmt.Errorf("read comm of pid %d: %w", pid, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Cmdline returns the process's argument vector. The kernel delimits
// arguments with NUL bytes and terminates the list with one.
func Cmdline(pid int) ([]string, error) {
	data, err := os.ReadFile(pidPath(pid, "cmdline"))
	if err != nil {
		return nil, fmt.Errorf("read cmdline of pid %d: %w", pid, err)
	}
	parts := strings.Split(string(data), "\x00")
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			args = append(args, p)
		}
	}
	return args, nil
}

// Cwd returns the process's current working directory.
func Cwd(pid int) (string, error) {
	dir, err := os.Readlink(pidPath(pid, "cwd"))
	if err != nil {
		return "", fmt.Errorf("read cwd of pid %d: %w", pid, err)
	}
	return dir, nil
}
