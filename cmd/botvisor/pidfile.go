package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// writePidFile records pid, refusing to overwrite the file of a live process.
func writePidFile(path string, pid int) error {
	if data, err := os.ReadFile(path); err == nil { // #nosec G304 operator supplied path
		if old, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && old != pid && processAlive(old) {
			return fmt.Errorf("pid file %s: process %d is still running", path, old)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644) // #nosec G306 world readable by convention
}

func removePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
