package shm

import (
	"os"
	"path/filepath"
)

// DirEnv overrides the directory that holds shared-memory backing objects.
const DirEnv = "SHMSTREAM_SHM_DIR"

// Dir returns the directory holding shared-memory backing objects.
func Dir() string {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir
	}
	if isDevShmAvailable() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Path returns the backing file path of the named object.
func Path(name string) string {
	return filepath.Join(Dir(), name)
}

func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// Unlink removes the named backing object. Missing objects are not an error.
func Unlink(name string) error {
	if name == "" {
		return nil
	}
	err := os.Remove(Path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
