package devicestore

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestAddGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	secret := bytes.Repeat([]byte{0x42}, 32)
	if err := s.AddDevice("dev-1", "Mock Android Phone", secret); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	d, ok := s.Get("dev-1")
	if !ok {
		t.Fatalf("expected device to be found")
	}
	if !bytes.Equal(d.MasterSecret, secret) {
		t.Fatalf("master secret mismatch")
	}
	if d.DisplayName != "Mock Android Phone" {
		t.Fatalf("display name mismatch: %q", d.DisplayName)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	s1, _ := Open(path)
	secret := bytes.Repeat([]byte{0x07}, 32)
	if err := s1.AddDevice("dev-2", "Pixel", secret); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	d, ok := s2.Get("dev-2")
	if !ok {
		t.Fatalf("expected device to survive reopen")
	}
	if !bytes.Equal(d.MasterSecret, secret) {
		t.Fatalf("master secret mismatch after reopen")
	}
}

func TestOwnerOnlyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permission bits only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	s, _ := Open(path)
	if err := s.AddDevice("dev-3", "Phone", bytes.Repeat([]byte{1}, 32)); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", info.Mode().Perm())
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")
	s, _ := Open(path)
	s.AddDevice("dev-4", "Phone", bytes.Repeat([]byte{2}, 32))
	if err := s.Remove("dev-4"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get("dev-4"); ok {
		t.Fatalf("expected device to be gone after Remove")
	}
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.yaml")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open on missing file should not error: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("expected empty store")
	}
}
