package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalConfig = "processor:\n  command: /usr/bin/true\n"

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLockDryRun(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, minimalConfig)

	report, err := Lock(path, true)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 1 || report.Files[0].Hash == "" {
		t.Fatalf("unexpected report files: %+v", report.Files)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ChecksumsFileName)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockWritesManifest(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, minimalConfig)

	report, err := Lock(tmpDir, false)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if !report.Written {
		t.Fatal("report.Written = false, want true")
	}

	manifest, err := LoadChecksums(tmpDir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if err := VerifyFileHash(path, manifest.Hashes[ConfigFileName]); err != nil {
		t.Fatalf("VerifyFileHash() failed: %v", err)
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	if !errors.Is(err, ErrNoChecksums) {
		t.Fatalf("expected ErrNoChecksums, got %v", err)
	}
}

func TestLoadRejectsTamperedConfig(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, minimalConfig)

	if _, err := Lock(path, false); err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}

	writeConfig(t, tmpDir, minimalConfig+"users: [mallory]\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestVerifyFileHashMismatch(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalConfig)
	if err := VerifyFileHash(path, "deadbeef"); err == nil {
		t.Fatal("expected mismatch error")
	}
}
