// Package bpffs manages the BPF filesystem: mount detection and the
// pin directory layout the loader uses for programs and maps.
package bpffs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	// DefaultMountInfoPath is the path to the mountinfo file.
	DefaultMountInfoPath = "/proc/self/mountinfo"

	// DefaultMountPoint is the conventional bpffs mount point.
	DefaultMountPoint = "/sys/fs/bpf"

	// defaultScanMaxLineLen bounds mountinfo line length. Container
	// runtimes can produce very long lines; this prevents ErrTooLong.
	defaultScanMaxLineLen = 1024 * 1024
)

// Root is a bpffs mount point path. A newtype so arbitrary strings
// cannot be passed where a validated bpffs root is expected.
type Root string

// String returns the path as a string.
func (r Root) String() string { return string(r) }

// Programs returns the directory holding program pins.
func (r Root) Programs() string { return filepath.Join(string(r), "programs") }

// Maps returns the directory holding map pins for the named program.
func (r Root) Maps(progName string) string {
	return filepath.Join(string(r), "maps", progName)
}

// ProgramPin returns the pin path for the named program.
func (r Root) ProgramPin(progName string) string {
	return filepath.Join(r.Programs(), progName)
}

// MapPin returns the pin path for the named map belonging to the
// named program.
func (r Root) MapPin(progName, mapName string) string {
	return filepath.Join(r.Maps(progName), mapName)
}

// EnsureDirs creates the pin directories for the named program.
func (r Root) EnsureDirs(progName string) error {
	for _, dir := range []string{r.Programs(), r.Maps(progName)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating pin directory %s: %w", dir, err)
		}
	}
	return nil
}

// IsMounted reports whether a bpffs is mounted at mountPoint by
// parsing mountInfoPath (e.g. /proc/self/mountinfo).
//
// The mountinfo format is documented in proc(5). Each line contains:
//
//	mount_id parent_id major:minor root mount_point options [optional_fields...] - fstype source super_options
//
// Example bpffs entry:
//
//	30 22 0:27 / /sys/fs/bpf rw,nosuid shared:9 - bpf bpf rw,mode=700
//
// Following libmount (util-linux), the separator " - " is located by
// string search rather than fixed field position, because optional
// fields such as "shared:N" may appear before it.
func IsMounted(mountInfoPath, mountPoint string) (bool, error) {
	file, err := os.Open(mountInfoPath)
	if err != nil {
		return false, fmt.Errorf("opening mountinfo: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), defaultScanMaxLineLen)

	for scanner.Scan() {
		line := scanner.Text()

		sepIdx := strings.Index(line, " - ")
		if sepIdx == -1 {
			continue
		}

		// Prefix: mount_id parent_id major:minor root mount_point ...
		fields := strings.Fields(line[:sepIdx])
		if len(fields) < 5 {
			continue
		}
		mntPoint := fields[4]

		// Suffix after " - ": fstype source super_options.
		suffixFields := strings.Fields(line[sepIdx+3:])
		if len(suffixFields) < 1 {
			continue
		}
		fsType := suffixFields[0]

		if mntPoint == mountPoint && fsType == "bpf" {
			return true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading mountinfo: %w", err)
	}
	return false, nil
}

// Mount mounts a bpffs at mountPoint, creating the directory if
// needed.
func Mount(mountPoint string) error {
	fi, err := os.Stat(mountPoint)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fmt.Errorf("mount point exists but is not a directory")
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(mountPoint, 0755); err != nil {
			return fmt.Errorf("creating mount point directory: %w", err)
		}
	default:
		return fmt.Errorf("stat mount point: %w", err)
	}

	if err := syscall.Mount("bpffs", mountPoint, "bpf", 0, ""); err != nil {
		return fmt.Errorf("mount syscall: %w", err)
	}
	return nil
}

// Unmount unmounts the bpffs at mountPoint.
func Unmount(mountPoint string) error {
	if err := syscall.Unmount(mountPoint, 0); err != nil {
		return fmt.Errorf("unmount syscall: %w", err)
	}
	return nil
}

// EnsureMounted checks mountInfoPath for an existing bpf mount at
// mountPoint and mounts one if absent.
func EnsureMounted(mountInfoPath, mountPoint string) error {
	mounted, err := IsMounted(mountInfoPath, mountPoint)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	return Mount(mountPoint)
}
