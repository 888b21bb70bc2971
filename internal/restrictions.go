package internal

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// RestrictedPathKind identifies why a path is off limits for an install.
type RestrictedPathKind string

const (
	RestrictedAppInstallDir RestrictedPathKind = "appInstallDir"
	RestrictedUpdaterCache  RestrictedPathKind = "updaterCache"
	RestrictedOneDrive      RestrictedPathKind = "oneDrive"
)

// RestrictedPathEntry is one forbidden zone, already normalized for
// comparison via Platform.NormalizePath.
type RestrictedPathEntry struct {
	Kind RestrictedPathKind
	Path string
}

// Platform abstracts the host facts path restriction logic depends on,
// so the Windows and macOS rules stay testable on any build host.
type Platform struct {
	GOOS       string
	Getenv     func(string) string
	Executable func() (string, error)
	HomeDir    func() (string, error)
}

// HostPlatform returns the Platform backed by the real process environment.
func HostPlatform() Platform {
	return Platform{
		GOOS:       runtime.GOOS,
		Getenv:     os.Getenv,
		Executable: os.Executable,
		HomeDir:    os.UserHomeDir,
	}
}

// CaseInsensitive reports whether path comparison should case-fold.
// Both Windows and the default macOS filesystem are case-insensitive.
func (p Platform) CaseInsensitive() bool {
	return p.GOOS == "windows" || p.GOOS == "darwin"
}

var driveLetterRe = regexp.MustCompile(`^[a-zA-Z]:`)

// NormalizePath produces the canonical comparison form of a path:
// forward slashes, dot-segments resolved, case-folded on platforms with
// case-insensitive filesystems. On Windows a POSIX-style rooted input
// is translated onto the system drive so that "/foo" and "C:\foo"
// compare equal.
func (p Platform) NormalizePath(in string) string {
	s := strings.ReplaceAll(in, "\\", "/")
	if p.GOOS == "windows" && strings.HasPrefix(s, "/") && !driveLetterRe.MatchString(s) {
		drive := p.Getenv(SystemDriveEnvKey)
		if drive == "" {
			drive = "C:"
		}
		s = strings.ReplaceAll(drive, "\\", "/") + s
	}
	s = path.Clean(s)
	if p.CaseInsensitive() {
		s = strings.ToLower(s)
	}
	return s
}

// DriveLetter returns the drive component of a normalized path on
// Windows ("c:"), or the empty string elsewhere.
func (p Platform) DriveLetter(normalized string) string {
	if p.GOOS != "windows" {
		return ""
	}
	if driveLetterRe.MatchString(normalized) {
		return strings.ToLower(normalized[:2])
	}
	return ""
}

// SystemDrive returns the normalized system drive on Windows.
func (p Platform) SystemDrive() string {
	if p.GOOS != "windows" {
		return ""
	}
	drive := p.Getenv(SystemDriveEnvKey)
	if drive == "" {
		drive = "C:"
	}
	return strings.ToLower(strings.TrimSuffix(drive, "\\"))
}

// PathContains reports whether candidate equals zone or lives below it.
// Both arguments must already be in NormalizePath form.
func PathContains(zone, candidate string) bool {
	if zone == "" {
		return false
	}
	if candidate == zone {
		return true
	}
	return strings.HasPrefix(candidate, strings.TrimSuffix(zone, "/")+"/")
}

// RestrictedPaths builds the current list of forbidden zones. It is
// computed fresh on every call: environment variables or the resolved
// executable location could in principle change between checks, and the
// walk is cheap.
//
// Ordering matters. The installation validator reports the first
// matching zone, and install-dir violations take priority over updater
// cache and cloud-sync matches.
func RestrictedPaths(p Platform) []RestrictedPathEntry {
	var entries []RestrictedPathEntry
	add := func(kind RestrictedPathKind, raw string) {
		if raw == "" {
			return
		}
		entries = append(entries, RestrictedPathEntry{Kind: kind, Path: p.NormalizePath(raw)})
	}

	if exe, err := p.Executable(); err == nil && exe != "" {
		appDir := appInstallDir(p, exe)
		add(RestrictedAppInstallDir, appDir)
		add(RestrictedAppInstallDir, filepath.Join(filepath.Dir(exe), ResourcesDirName))
	}
	add(RestrictedAppInstallDir, legacyInstallDir(p))

	for _, ns := range []string{UpdaterCacheName, UpdaterCacheScopedName} {
		add(RestrictedUpdaterCache, updaterCacheDir(p, ns))
	}

	if p.GOOS == "windows" {
		add(RestrictedOneDrive, p.Getenv(OneDriveEnvKey))
	}
	return entries
}

// EvaluatePathRestrictions classifies candidate against the forbidden
// zones and returns the first matching entry, or nil when the path is
// unrestricted.
func EvaluatePathRestrictions(p Platform, candidate string) *RestrictedPathEntry {
	norm := p.NormalizePath(candidate)
	for _, entry := range RestrictedPaths(p) {
		if PathContains(entry.Path, norm) {
			e := entry
			return &e
		}
	}
	return nil
}

// appInstallDir resolves the directory the application itself occupies.
// On macOS that is the enclosing .app bundle, found by walking up from
// the executable; anywhere else it is the executable's parent.
func appInstallDir(p Platform, exe string) string {
	if p.GOOS == "darwin" {
		dir := filepath.Dir(exe)
		for cur := dir; ; {
			if strings.HasSuffix(strings.ToLower(filepath.Base(cur)), ".app") {
				return cur
			}
			parent := filepath.Dir(cur)
			if parent == cur {
				break
			}
			cur = parent
		}
		return dir
	}
	return filepath.Dir(exe)
}

// legacyInstallDir is the default install location of the pre-rewrite
// desktop builds. Current installs live elsewhere, but users who
// upgraded in place still have data there, so it stays blocked.
func legacyInstallDir(p Platform) string {
	switch p.GOOS {
	case "windows":
		if local := p.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "Programs", LegacyInstallDirName)
		}
	case "darwin":
		if home, err := p.HomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", LegacyInstallDirName)
		}
	default:
		if home, err := p.HomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", LegacyInstallDirName)
		}
	}
	return ""
}

// updaterCacheDir returns the auto-updater's staging directory for one
// package namespace.
func updaterCacheDir(p Platform, namespace string) string {
	switch p.GOOS {
	case "windows":
		if local := p.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, namespace)
		}
	case "darwin":
		if home, err := p.HomeDir(); err == nil {
			return filepath.Join(home, "Library", "Caches", namespace)
		}
	default:
		if home, err := p.HomeDir(); err == nil {
			return filepath.Join(home, ".cache", namespace)
		}
	}
	return ""
}
