//go:build darwin || linux

// Shared helpers for the purego-based engine binding.

package clipexport

import (
	"os"
	"path/filepath"
	"unsafe"
)

// goStringFromPtr copies a NUL-terminated C string returned by the engine
// into a Go string. Unterminated input is cut at 1 KiB.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	const limit = 1024
	buf := unsafe.Slice((*byte)(*(*unsafe.Pointer)(unsafe.Pointer(&ptr))), limit)
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// findModuleRoot walks up the directory tree from the current working directory
// to find the module root (directory containing go.mod).
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
