//go:build !darwin

package filesystem

// Quarantine is a no-op outside macOS. original_source dispatches to a
// real implementation on Windows too (a Zone.Identifier alternate data
// stream); the pack carries no library touching NTFS ADS, and stdlib
// has none either, so that platform is left unimplemented here (see
// DESIGN.md).
func Quarantine(path string) error { return nil }
