package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keychainService = "therese"
	keychainAccount = "therese.encryption_key"
)

// Encryptor is the process-singleton secret-encryption service. It is
// created once via NewEncryptor (itself guarded by a package-level
// double-checked lock, mirroring the teacher's encryption-singleton
// convention) and is safe for concurrent use.
type Encryptor struct {
	mu     sync.RWMutex
	aead   chacha20poly1305.AEAD
	source KeySource
}

// KeySource records where the active key came from, for diagnostics.
type KeySource string

const (
	SourceKeychain KeySource = "keychain"
	SourceFile     KeySource = "file"
	SourceGenerated KeySource = "file_generated"
)

var (
	singletonMu  sync.Mutex
	singleton    *Encryptor
)

// Singleton returns the process-wide Encryptor, creating it on first call.
func Singleton(dataDir string) (*Encryptor, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		return singleton, nil
	}
	enc, err := NewEncryptor(dataDir)
	if err != nil {
		return nil, err
	}
	singleton = enc
	return singleton, nil
}

// NewEncryptor acquires a 256-bit key per the priority order: OS keychain,
// then a 0600 key file under dataDir, generating one if absent.
func NewEncryptor(dataDir string) (*Encryptor, error) {
	key, source, err := acquireKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("security: acquire encryption key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("security: init aead: %w", err)
	}
	return &Encryptor{aead: aead, source: source}, nil
}

func acquireKey(dataDir string) ([]byte, KeySource, error) {
	if raw, err := keychainGet(keychainService, keychainAccount); err == nil && raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err == nil && len(key) == chacha20poly1305.KeySize {
			return key, SourceKeychain, nil
		}
	}

	keyPath := filepath.Join(dataDir, ".encryption_key")
	if data, err := os.ReadFile(keyPath); err == nil {
		key, derr := base64.StdEncoding.DecodeString(string(data))
		if derr == nil && len(key) == chacha20poly1305.KeySize {
			return key, SourceFile, nil
		}
		return nil, "", fmt.Errorf("malformed key file %s", keyPath)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, "", err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := keychainSet(keychainService, keychainAccount, encoded); err == nil {
		return key, SourceKeychain, nil
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", err
	}
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, "", err
	}
	return key, SourceGenerated, nil
}

// Source reports where the active key was acquired from.
func (e *Encryptor) Source() KeySource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source
}

const encryptedPrefix = "thenc:v1:"

// Encrypt seals plaintext and returns a base64 string tagged with a
// version prefix so IsEncrypted can recognise it heuristically.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Returns an error if ciphertext wasn't produced
// by this key or has been tampered with.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return "", errors.New("security: value is not an encrypted payload")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	raw, err := base64.StdEncoding.DecodeString(ciphertext[len(encryptedPrefix):])
	if err != nil {
		return "", err
	}
	if len(raw) < e.aead.NonceSize() {
		return "", errors.New("security: ciphertext too short")
	}
	nonce, sealed := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plain, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("security: decrypt: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted heuristically reports whether s looks like Encryptor output.
func IsEncrypted(s string) bool {
	return len(s) > len(encryptedPrefix) && s[:len(encryptedPrefix)] == encryptedPrefix
}

// Rotate generates a fresh key, installs it as the active key, and returns
// the previous key's Encryptor so callers can decrypt-then-reencrypt
// existing values in a migration pass.
func (e *Encryptor) Rotate(dataDir string) (previous *Encryptor, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous = &Encryptor{aead: e.aead, source: e.source}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if kerr := keychainSet(keychainService, keychainAccount, encoded); kerr == nil {
		e.source = SourceKeychain
	} else {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dataDir, ".encryption_key"), []byte(encoded), 0o600); err != nil {
			return nil, err
		}
		e.source = SourceFile
	}
	e.aead = aead
	return previous, nil
}

// keychainGet/keychainSet shell out to the OS secret store, the same
// approach the pack's keychain helper uses (security(1) on macOS,
// secret-tool(1) via Secret Service on Linux); there is no native cgo
// keychain binding in this build.
func keychainGet(service, account string) (string, error) {
	switch runtime.GOOS {
	case "darwin":
		out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
		if err != nil {
			return "", err
		}
		return string(out), nil
	case "linux":
		out, err := exec.Command("secret-tool", "lookup", "service", service, "account", account).Output()
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", errors.New("security: no keychain available on " + runtime.GOOS)
	}
}

func keychainSet(service, account, value string) error {
	switch runtime.GOOS {
	case "darwin":
		cmd := exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value)
		return cmd.Run()
	case "linux":
		cmd := exec.Command("secret-tool", "store", "--label", service, "service", service, "account", account)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return err
		}
		if _, err := stdin.Write([]byte(value)); err != nil {
			return err
		}
		stdin.Close()
		return cmd.Wait()
	default:
		return errors.New("security: no keychain available on " + runtime.GOOS)
	}
}
