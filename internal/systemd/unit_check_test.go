package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func override(t *testing.T, unitPaths []string, hashPath string) {
	t.Helper()
	oldPaths, oldHash := UnitFilePaths, UnitHashPath
	UnitFilePaths = unitPaths
	UnitHashPath = hashPath
	t.Cleanup(func() {
		UnitFilePaths = oldPaths
		UnitHashPath = oldHash
	})
}

func TestCheckUnitFileIntegrityNoUnitFile(t *testing.T) {
	override(t, []string{"/nonexistent/lockcd.service"}, "/nonexistent/hash")

	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected empty message when no unit file, got %q", msg)
	}
}

func TestCheckUnitFileIntegrityNoStoredHash(t *testing.T) {
	dir := t.TempDir()
	unit := filepath.Join(dir, "lockcd.service")
	if err := os.WriteFile(unit, []byte(DaemonTemplate()), 0644); err != nil {
		t.Fatal(err)
	}
	override(t, []string{unit}, filepath.Join(dir, "unit-file.sha256"))

	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected empty message when no stored hash, got %q", msg)
	}
}

func TestCheckUnitFileIntegrityMatch(t *testing.T) {
	dir := t.TempDir()
	content := []byte(DaemonTemplate())
	unit := filepath.Join(dir, "lockcd.service")
	if err := os.WriteFile(unit, content, 0644); err != nil {
		t.Fatal(err)
	}

	h := sha256.Sum256(content)
	hashFile := filepath.Join(dir, "unit-file.sha256")
	if err := os.WriteFile(hashFile, []byte(hex.EncodeToString(h[:])+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	override(t, []string{unit}, hashFile)

	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected empty message for matching hash, got %q", msg)
	}
}

func TestCheckUnitFileIntegrityMismatch(t *testing.T) {
	dir := t.TempDir()
	unit := filepath.Join(dir, "lockcd.service")
	if err := os.WriteFile(unit, []byte("[Unit]\nDescription=tampered\n"), 0644); err != nil {
		t.Fatal(err)
	}
	hashFile := filepath.Join(dir, "unit-file.sha256")
	if err := os.WriteFile(hashFile, []byte(strings.Repeat("a", 64)+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	override(t, []string{unit}, hashFile)

	msg := CheckUnitFileIntegrity()
	if msg == "" {
		t.Fatal("expected warning for modified unit file, got empty")
	}
	if !strings.Contains(msg, "modified since installation") {
		t.Errorf("expected modification warning, got %q", msg)
	}
}

func TestRecordUnitFileHash(t *testing.T) {
	dir := t.TempDir()
	content := []byte(DaemonTemplate())
	unit := filepath.Join(dir, "lockcd.service")
	if err := os.WriteFile(unit, content, 0644); err != nil {
		t.Fatal(err)
	}
	hashFile := filepath.Join(dir, "unit-file.sha256")
	override(t, []string{unit}, hashFile)

	if err := RecordUnitFileHash(); err != nil {
		t.Fatalf("RecordUnitFileHash: %v", err)
	}

	data, err := os.ReadFile(hashFile)
	if err != nil {
		t.Fatal(err)
	}
	h := sha256.Sum256(content)
	if got := strings.TrimSpace(string(data)); got != hex.EncodeToString(h[:]) {
		t.Errorf("hash = %s, want %s", got, hex.EncodeToString(h[:]))
	}
}

func TestRecordUnitFileHashNoUnit(t *testing.T) {
	override(t, []string{"/nonexistent/lockcd.service"}, "/nonexistent/hash")

	if err := RecordUnitFileHash(); err == nil {
		t.Error("expected error when no unit file exists")
	}
}
