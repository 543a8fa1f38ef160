package credential

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service name all skill credentials live
// under. Accounts within it are "<skill id>.<name>".
const KeyringService = "skillhost"

// ErrNotStored means no value exists for the account. Callers decide whether
// that is benign (optional credential) or fatal (required one).
var ErrNotStored = errors.New("credential not stored")

// Store is the secret backend. Set overwrites, Get returns ErrNotStored for
// missing accounts, Delete is idempotent.
type Store interface {
	Set(account, value string) error
	Get(account string) (string, error)
	Delete(account string) error
}

// Keyring stores secrets in the platform keyring.
type Keyring struct {
	service string
}

// NewKeyring returns the platform keyring under KeyringService.
func NewKeyring() Keyring {
	return Keyring{service: KeyringService}
}

func (k Keyring) Set(account, value string) error {
	return keyring.Set(k.service, account, value)
}

func (k Keyring) Get(account string) (string, error) {
	v, err := keyring.Get(k.service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotStored
	}
	return v, err
}

func (k Keyring) Delete(account string) error {
	err := keyring.Delete(k.service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// Layered tries the platform keyring first and falls back to the encrypted
// vault, so hosts without a usable keyring (headless boxes, stripped
// containers) still get secrets at rest encrypted.
type Layered struct {
	primary  Store
	fallback Store
}

// NewLayered builds a layered store.
func NewLayered(primary, fallback Store) Layered {
	return Layered{primary: primary, fallback: fallback}
}

// NewDefaultStore is the production wiring: OS keyring over an encrypted
// vault in dir.
func NewDefaultStore(dir string) Store {
	return NewLayered(NewKeyring(), NewVault(dir))
}

func (l Layered) Set(account, value string) error {
	if err := l.primary.Set(account, value); err == nil {
		return nil
	}
	return l.fallback.Set(account, value)
}

func (l Layered) Get(account string) (string, error) {
	if v, err := l.primary.Get(account); err == nil {
		return v, nil
	}
	return l.fallback.Get(account)
}

func (l Layered) Delete(account string) error {
	_ = l.primary.Delete(account)
	return l.fallback.Delete(account)
}
