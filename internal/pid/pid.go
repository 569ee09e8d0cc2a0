package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/telemetryd/internal/errors"
)

// Path resolves a configured PID file. Relative names live in the temp dir.
func Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(os.TempDir(), name)
}

// Write records the current process ID in the PID file at path. A file left
// behind by a process that is no longer running is replaced.
func Write(path string) error {
	errFactory := errors.New()

	if running, pid, err := Running(path); err != nil {
		return err
	} else if running {
		return errFactory.WithData(errors.ErrAlreadyRunning, struct {
			PID  int
			Path string
		}{
			PID:  pid,
			Path: path,
		})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Running reports whether the PID file at path names a live process other
// than the caller.
func Running(path string) (bool, int, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, errFactory.Wrap(errors.ErrInternal, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		// Garbage is treated as stale
		return false, 0, nil
	}
	if pid == os.Getpid() {
		return false, pid, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, pid, nil
	}

	return process.Signal(syscall.Signal(0)) == nil, pid, nil
}

// Remove removes the PID file.
func Remove(path string) error {
	errFactory := errors.New()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}
