package config

import (
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	def := Defaults()
	if cfg.DirDepthLimit != def.DirDepthLimit || cfg.TransferFileLimit != def.TransferFileLimit {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.StoragePath == "" {
		t.Fatal("expected a derived storage path")
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Defaults()
	cfg.TransferFileLimit = 42
	cfg.StoragePath = filepath.Join(dir, "storage.db")
	if err := Save(&cfg, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.TransferFileLimit != 42 {
		t.Fatalf("got %d, want 42", loaded.TransferFileLimit)
	}
	if loaded.StoragePath != cfg.StoragePath {
		t.Fatalf("got %q, want %q", loaded.StoragePath, cfg.StoragePath)
	}
}
