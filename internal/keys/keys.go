// Package keys manages the broker's on-disk long-term key material,
// produced by cmd/sb-makekey and consumed at server start, per
// spec.md §6.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/box"
)

const (
	dirMode = 0700

	pubKeyFile     = "server-long-term.pub"
	secretKeyFile  = "server-long-term"
	lockFile       = "lock"
	nonceKeyFile   = "noncekey"
	nonceCtrFile   = "noncecounter"

	pubKeyMode    = 0644
	secretKeyMode = 0600
	lockMode      = 0600
	nonceKeyMode  = 0600
	nonceCtrMode  = 0600

	nonceKeySize = 32
)

// ErrDirExists is returned by Generate when the keys directory is
// already present, matching the original sb-makekey's abort-on-any-
// existing-file semantics.
var ErrDirExists = errors.New("keys: directory already exists")

// Material is the long-term key pair loaded from disk at server
// start.
type Material struct {
	PublicKey [32]byte
	SecretKey [32]byte
}

// Generate creates dir (mode 0700) and writes all five key files.
// It aborts if dir already exists or any write fails; the directory
// and any files written before a failed write are left in place.
func Generate(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return ErrDirExists
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.Mkdir(dir, dirMode); err != nil {
		return fmt.Errorf("keys: mkdir: %w", err)
	}

	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keys: generate long-term key: %w", err)
	}

	if err := writeFile(filepath.Join(dir, pubKeyFile), pub[:], pubKeyMode); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, secretKeyFile), sec[:], secretKeyMode); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, lockFile), []byte{0}, lockMode); err != nil {
		return err
	}

	nonceKey := make([]byte, nonceKeySize)
	if _, err := io.ReadFull(rand.Reader, nonceKey); err != nil {
		return fmt.Errorf("keys: generate nonce key: %w", err)
	}
	if err := writeFile(filepath.Join(dir, nonceKeyFile), nonceKey, nonceKeyMode); err != nil {
		return err
	}

	counter := make([]byte, 8)
	if err := writeFile(filepath.Join(dir, nonceCtrFile), counter, nonceCtrMode); err != nil {
		return err
	}

	return nil
}

// Load reads the long-term key pair from dir.
func Load(dir string) (*Material, error) {
	pub, err := readExact(filepath.Join(dir, pubKeyFile), 32)
	if err != nil {
		return nil, fmt.Errorf("keys: read public key: %w", err)
	}
	sec, err := readExact(filepath.Join(dir, secretKeyFile), 32)
	if err != nil {
		return nil, fmt.Errorf("keys: read secret key: %w", err)
	}

	m := &Material{}
	copy(m.PublicKey[:], pub)
	copy(m.SecretKey[:], sec)
	return m, nil
}

// LockPath returns the path to the keys directory's sentinel lock
// file, used by the platform-specific advisory lock in this package.
func LockPath(dir string) string {
	return filepath.Join(dir, lockFile)
}

func writeFile(path string, data []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("keys: %s: %w", path, ErrDirExists)
	}
	return os.WriteFile(path, data, mode)
}

func readExact(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}
