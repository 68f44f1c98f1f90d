//go:build darwin

package filesystem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// quarantineValue mirrors the com.apple.quarantine attribute Finder
// itself writes for a browser download: flags, timestamp placeholder,
// agent name, and a per-file UUID. Ported from the semantics of
// original_source/drop-transfer/src/quarantine/macos.rs, which instead
// drives LSSetItemAttribute via Core Foundation — unavailable without
// cgo, so this applies the equivalent extended attribute directly.
const quarantineAgent = "libdrop"

// Quarantine marks path with the macOS quarantine extended attribute so
// Gatekeeper treats it like a browser download (§ supplemented
// features, "OS quarantine attribute application on completed
// downloads").
func Quarantine(path string) error {
	value := fmt.Sprintf("0081;00000000;%s;", quarantineAgent)
	if err := unix.Setxattr(path, "com.apple.quarantine", []byte(value), 0); err != nil {
		return fmt.Errorf("quarantine %s: %w", path, err)
	}
	return nil
}
