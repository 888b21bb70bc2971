package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// DiskMount is one filesystem mount with its available capacity.
type DiskMount struct {
	Mountpoint string
	Free       uint64
}

// PathValidationResult is the structured outcome of ValidateInstallPath.
// IsValid is derived from the blocking sub-conditions; IsNonDefaultDrive
// is informational only and never blocks.
type PathValidationResult struct {
	IsValid               bool   `json:"isValid"`
	Exists                bool   `json:"exists"`
	FreeSpace             int64  `json:"freeSpace"`
	RequiredSpace         int64  `json:"requiredSpace"`
	IsOneDrive            bool   `json:"isOneDrive"`
	IsNonDefaultDrive     bool   `json:"isNonDefaultDrive"`
	ParentMissing         bool   `json:"parentMissing"`
	CannotWrite           bool   `json:"cannotWrite"`
	IsInsideAppInstallDir bool   `json:"isInsideAppInstallDir"`
	IsInsideUpdaterCache  bool   `json:"isInsideUpdaterCache"`
	Error                 string `json:"error,omitempty"`
}

// PathValidator decides whether a user-chosen directory is a safe and
// usable data root. The probe functions are fields so tests can swap
// out filesystem and disk access.
type PathValidator struct {
	Platform Platform
	Logger   *zap.Logger

	Mounts     func() ([]DiskMount, error)
	Stat       func(string) (os.FileInfo, error)
	ReadDir    func(string) ([]os.DirEntry, error)
	WriteProbe func(dir string) error
}

// NewPathValidator returns a validator backed by the real filesystem
// and gopsutil disk enumeration.
func NewPathValidator(logger *zap.Logger) *PathValidator {
	return &PathValidator{
		Platform:   HostPlatform(),
		Logger:     logger,
		Mounts:     systemMounts,
		Stat:       os.Stat,
		ReadDir:    os.ReadDir,
		WriteProbe: probeWriteAccess,
	}
}

// RequiredInstallSpace returns the free-space floor for the platform.
func RequiredInstallSpace(p Platform) int64 {
	if p.GOOS == "windows" {
		return RequiredSpaceWindows
	}
	return RequiredSpaceDefault
}

// ValidateInstallPath checks candidate as an install base path. When
// bypassSpaceCheck is set only the free-space condition is suppressed;
// restriction, writability and parent checks still apply.
func (v *PathValidator) ValidateInstallPath(candidate string, bypassSpaceCheck bool) PathValidationResult {
	result := PathValidationResult{
		FreeSpace:     -1,
		RequiredSpace: RequiredInstallSpace(v.Platform),
	}

	norm := v.Platform.NormalizePath(candidate)

	if entry := EvaluatePathRestrictions(v.Platform, candidate); entry != nil {
		switch entry.Kind {
		case RestrictedAppInstallDir:
			result.IsInsideAppInstallDir = true
		case RestrictedUpdaterCache:
			result.IsInsideUpdaterCache = true
		case RestrictedOneDrive:
			result.IsOneDrive = true
		}
	}

	if drive := v.Platform.DriveLetter(norm); drive != "" && drive != v.Platform.SystemDrive() {
		result.IsNonDefaultDrive = true
	}

	hostPath := filepath.Clean(candidate)

	// A present-but-empty directory counts as not existing: creating a
	// fresh install there cannot clobber anything.
	if info, err := v.Stat(hostPath); err == nil {
		if !info.IsDir() {
			result.Exists = true
		} else if entries, readErr := v.ReadDir(hostPath); readErr == nil {
			result.Exists = len(entries) > 0
		} else {
			result.Exists = true
			result.Error = readErr.Error()
		}
	} else if !os.IsNotExist(err) {
		result.Error = err.Error()
	}

	parent := filepath.Dir(hostPath)
	if _, err := v.Stat(parent); err != nil {
		if os.IsNotExist(err) {
			result.ParentMissing = true
		} else {
			result.Error = err.Error()
		}
	}
	if !result.ParentMissing {
		if err := v.WriteProbe(parent); err != nil {
			result.CannotWrite = true
		}
	}

	// Enumeration failure never blocks: FreeSpace stays at its -1
	// sentinel, which the validity rule treats as sufficient.
	if mounts, err := v.Mounts(); err == nil {
		if free, ok := freeSpaceForPath(v.Platform, norm, mounts); ok {
			result.FreeSpace = free
		}
	} else if v.Logger != nil {
		v.Logger.Warn("disk enumeration failed", zap.Error(err))
	}

	insufficient := result.FreeSpace >= 0 && result.FreeSpace < result.RequiredSpace && !bypassSpaceCheck
	result.IsValid = !result.CannotWrite &&
		!result.ParentMissing &&
		!insufficient &&
		result.Error == "" &&
		!result.IsOneDrive &&
		!result.IsInsideAppInstallDir &&
		!result.IsInsideUpdaterCache

	if v.Logger != nil && !result.IsValid {
		v.Logger.Info("install path rejected",
			zap.String("path", candidate),
			zap.String("free", humanize.IBytes(uint64(max64(result.FreeSpace, 0)))),
			zap.String("required", humanize.IBytes(uint64(result.RequiredSpace))))
	}
	return result
}

// freeSpaceForPath finds the most specific mount containing the
// normalized path and returns its available bytes.
func freeSpaceForPath(p Platform, norm string, mounts []DiskMount) (int64, bool) {
	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i].Mountpoint) > len(mounts[j].Mountpoint)
	})
	for _, m := range mounts {
		if PathContains(p.NormalizePath(m.Mountpoint), norm) {
			return int64(m.Free), true
		}
	}
	return -1, false
}

// systemMounts enumerates real mounts with their free space. Mounts
// whose usage cannot be queried are skipped rather than failing the
// whole enumeration.
func systemMounts() ([]DiskMount, error) {
	parts, err := disk.Partitions(false)
	if err != nil {
		return nil, fmt.Errorf("enumerate partitions: %w", err)
	}
	var mounts []DiskMount
	for _, part := range parts {
		usage, err := disk.Usage(part.Mountpoint)
		if err != nil {
			continue
		}
		mounts = append(mounts, DiskMount{Mountpoint: part.Mountpoint, Free: usage.Free})
	}
	return mounts, nil
}

// probeWriteAccess verifies dir is writable by creating and removing a
// scratch file.
func probeWriteAccess(dir string) error {
	f, err := os.CreateTemp(dir, ".comfy-warden-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
