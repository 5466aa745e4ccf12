package keys

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateThenLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	if err := Generate(dir); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var zero [32]byte
	if m.PublicKey == zero {
		t.Fatal("loaded public key is all zero")
	}
	if m.SecretKey == zero {
		t.Fatal("loaded secret key is all zero")
	}
}

func TestGenerateRefusesExistingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	if err := Generate(dir); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	if err := Generate(dir); err == nil {
		t.Fatal("expected second Generate to fail on an existing directory")
	}
}

func TestLoadRejectsWrongSizeKeyFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good")
	if err := Generate(good); err != nil {
		t.Fatal(err)
	}

	// Replace the 32-byte secret key with a 31-byte one.
	if err := os.WriteFile(filepath.Join(good, secretKeyFile), make([]byte, 31), secretKeyMode); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(good); err == nil {
		t.Fatal("expected error loading a secret key file of the wrong size")
	}

	// A directory that does not exist, with no key files at all, must
	// fail to load too.
	if _, err := Load(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error loading from a directory with no key files")
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("/tmp/.keys")
	want := "/tmp/.keys/lock"
	if got != want {
		t.Fatalf("LockPath = %q, want %q", got, want)
	}
}
