package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	vaultFile   = "vault.enc"
	vaultKeyFile = "vault.key"

	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256
	saltLen      = 16
	secretLen    = 32
)

// Vault is the encrypted-file fallback store: an AES-256-GCM sealed JSON map
// whose key is derived (argon2id) from a generated machine-local secret.
// Both files are created 0600 on first use.
type Vault struct {
	mu      sync.Mutex
	path    string
	keyPath string
	key     []byte
}

// NewVault stores the vault and its key file under dir.
func NewVault(dir string) *Vault {
	return &Vault{
		path:    filepath.Join(dir, vaultFile),
		keyPath: filepath.Join(dir, vaultKeyFile),
	}
}

func (v *Vault) Set(account, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	vault, err := v.loadLocked()
	if err != nil {
		return err
	}
	vault[account] = value
	return v.saveLocked(vault)
}

func (v *Vault) Get(account string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vault, err := v.loadLocked()
	if err != nil {
		return "", err
	}
	value, ok := vault[account]
	if !ok {
		return "", ErrNotStored
	}
	return value, nil
}

func (v *Vault) Delete(account string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	vault, err := v.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := vault[account]; !ok {
		return nil
	}
	delete(vault, account)
	return v.saveLocked(vault)
}

func (v *Vault) loadLocked() (map[string]string, error) {
	data, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	key, err := v.ensureKeyLocked()
	if err != nil {
		return nil, err
	}
	plaintext, err := decrypt(string(data), key)
	if err != nil {
		return nil, fmt.Errorf("decrypt vault: %w", err)
	}
	var vault map[string]string
	if err := json.Unmarshal(plaintext, &vault); err != nil {
		return nil, fmt.Errorf("parse vault: %w", err)
	}
	return vault, nil
}

func (v *Vault) saveLocked(vault map[string]string) error {
	key, err := v.ensureKeyLocked()
	if err != nil {
		return err
	}
	data, err := json.Marshal(vault)
	if err != nil {
		return err
	}
	sealed, err := encrypt(data, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(v.path, []byte(sealed), 0o600)
}

// keyFile persists the derivation inputs, not the AES key itself, so the
// derivation parameters can change across versions.
type keyFile struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Secret  string `json:"secret"`
}

func (v *Vault) ensureKeyLocked() ([]byte, error) {
	if v.key != nil {
		return v.key, nil
	}

	var kf keyFile
	data, err := os.ReadFile(v.keyPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("parse vault key file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		kf, err = v.createKeyFileLocked()
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode vault salt: %w", err)
	}
	secret, err := base64.StdEncoding.DecodeString(kf.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode vault secret: %w", err)
	}

	v.key = argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return v.key, nil
}

func (v *Vault) createKeyFileLocked() (keyFile, error) {
	salt := make([]byte, saltLen)
	secret := make([]byte, secretLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return keyFile{}, err
	}
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return keyFile{}, err
	}
	kf := keyFile{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Secret:  base64.StdEncoding.EncodeToString(secret),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return keyFile{}, err
	}
	if err := os.MkdirAll(filepath.Dir(v.keyPath), 0o700); err != nil {
		return keyFile{}, err
	}
	if err := os.WriteFile(v.keyPath, append(data, '\n'), 0o600); err != nil {
		return keyFile{}, err
	}
	return kf, nil
}

// encrypt seals plaintext with AES-256-GCM, nonce prepended, base64 encoded.
func encrypt(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

func decrypt(encoded string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
