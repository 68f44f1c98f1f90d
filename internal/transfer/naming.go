package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxFileNameBytes = 255

// reservedWindowsNames are device names Windows reserves regardless of
// extension; normalizeFilename maps them aside like every other
// disallowed name, even on non-Windows hosts, so a file's received
// name stays portable across platforms (§4.2 "any file name ≤ 255 bytes").
var reservedWindowsNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// normalizeFilename replaces control characters, reserved OS characters,
// and disallowed host-OS names with "_", per spec.md §4.3 "normalized(name)".
func normalizeFilename(name string) string {
	if name == "" || name == "." || name == ".." {
		return "_"
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20:
			b.WriteRune('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimRight(b.String(), " .")
	if out == "" {
		out = "_"
	}

	upper := strings.ToUpper(strings.TrimSuffix(out, filepath.Ext(out)))
	if reservedWindowsNames[upper] {
		out = "_" + out
	}

	if len(out) > maxFileNameBytes {
		ext := filepath.Ext(out)
		out = out[:maxFileNameBytes-len(ext)] + ext
	}

	return out
}

// ResolveCollision is the exported rename-time probe used once a file
// finishes streaming, mirroring ws/server.rs's final location resolution.
func ResolveCollision(path string) (string, error) { return mapPathIfExists(path) }

// mapPathIfExists probes "name", "name(1)", "name(2)", ... until it finds
// one that does not exist on disk, returning that candidate without
// creating it — callers use an exclusive-create to close the race, per
// spec.md's "atomic create-new-excluding-existing probe loop".
func mapPathIfExists(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	} else if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s(%d)%s", stem, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
}

// DirMapper assigns a free on-disk name once per (transfer, first
// component) and reuses it for siblings, implementing manager.rs's
// apply_dir_mapping for a single transfer.
type DirMapper struct {
	mappings map[string]string // dest_dir/root -> mapped first component
}

func NewDirMapper() *DirMapper {
	return &DirMapper{mappings: make(map[string]string)}
}

// Apply computes the final relative path for subpath under baseDir,
// memoizing the mapped first component so siblings land in the same
// directory (§4.3 map_directory).
func (m *DirMapper) Apply(baseDir string, subpath FileSubPath) (string, error) {
	if len(subpath) == 0 {
		return "", fmt.Errorf("subpath must contain at least one component")
	}

	normalized := make([]string, len(subpath))
	for i, c := range subpath {
		normalized[i] = normalizeFilename(c)
	}

	root := normalized[0]
	if len(normalized) == 1 {
		// An ordinary top-level file: no directory to map. Name-collision
		// resolution for the final destination happens once streaming
		// completes (see the rename-time probe loop in the receiver).
		return root, nil
	}

	key := filepath.Join(baseDir, root)
	mappedRoot, ok := m.mappings[key]
	if !ok {
		mappedPath, err := mapPathIfExists(key)
		if err != nil {
			return "", err
		}
		mappedRoot = filepath.Base(mappedPath)
		m.mappings[key] = mappedRoot
	}

	rest := append([]string{mappedRoot}, normalized[1:]...)
	return filepath.Join(rest...), nil
}
