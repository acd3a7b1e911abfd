package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"courier/internal/util/memzero"
)

var (
	// ErrTamperOrWrongPassphrase is returned when the passphrase is incorrect
	// or a stored record has been modified or corrupted.
	ErrTamperOrWrongPassphrase = errors.New("wrong passphrase or corrupted record store")

	// ErrNotFound is returned by Get for an absent key.
	ErrNotFound = errors.New("record not found")
)

var (
	bucketParams  = []byte("params")
	bucketRecords = []byte("records")

	paramsKey = []byte("kdf")
	canaryKey = []byte("canary")
)

// canaryValue is sealed on first open and re-opened on every subsequent open
// so a wrong passphrase fails before any record is read.
var canaryValue = []byte("vault-canary-v1")

const paramsVersion = 1

// kdfParams is the persisted key-derivation record, stored in plaintext.
type kdfParams struct {
	V    int    `cbor:"v"`
	Salt []byte `cbor:"salt"`
	N    int    `cbor:"scrypt_n"`
	R    int    `cbor:"scrypt_r"`
	P    int    `cbor:"scrypt_p"`
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

// Vault is an encrypted key/value store. All methods are safe for concurrent
// use; bbolt serializes writers.
type Vault struct {
	db   *bbolt.DB
	aead cipher.AEAD
}

// Open opens (or creates) the vault at path, deriving the value-encryption
// key from passphrase. On first open it generates and persists the KDF
// parameters; on subsequent opens it reuses them and verifies the passphrase
// against a sealed canary before returning.
func Open(path, passphrase string) (*Vault, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening vault: %w", err)
	}

	var (
		params kdfParams
		first  bool
	)
	err = db.Update(func(tx *bbolt.Tx) error {
		pb, err := tx.CreateBucketIfNotExists(bucketParams)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		raw := pb.Get(paramsKey)
		if raw == nil {
			first = true
			salt := make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return err
			}
			N, r, p := scryptParamsDefault()
			params = kdfParams{V: paramsVersion, Salt: salt, N: N, R: r, P: p}
			enc, err := cbor.Marshal(params)
			if err != nil {
				return err
			}
			return pb.Put(paramsKey, enc)
		}
		return cbor.Unmarshal(raw, &params)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if params.V > paramsVersion {
		_ = db.Close()
		return nil, fmt.Errorf("unsupported vault version %d", params.V)
	}

	key, err := scrypt.Key([]byte(passphrase), params.Salt, params.N, params.R, params.P, chacha20poly1305.KeySize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	memzero.Zero(key)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	v := &Vault{db: db, aead: aead}
	if first {
		sealed, err := v.seal(string(canaryKey), canaryValue)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		err = db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketParams).Put(canaryKey, sealed)
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return v, nil
	}

	var sealed []byte
	_ = db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketParams).Get(canaryKey); raw != nil {
			sealed = append([]byte(nil), raw...)
		}
		return nil
	})
	if _, err := v.open(string(canaryKey), sealed); err != nil {
		_ = db.Close()
		return nil, err
	}
	return v, nil
}

// Close flushes and closes the backing file.
func (v *Vault) Close() error { return v.db.Close() }

// Set serializes value and stores it encrypted under key, replacing any
// previous value.
func (v *Vault) Set(key string, value any) error {
	plain, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	sealed, err := v.seal(key, plain)
	memzero.Zero(plain)
	if err != nil {
		return err
	}
	return v.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(key), sealed)
	})
}

// Get decrypts the value under key into out. It returns ErrNotFound for an
// absent key and ErrTamperOrWrongPassphrase when authentication fails.
func (v *Vault) Get(key string, out any) error {
	var sealed []byte
	err := v.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketRecords).Get([]byte(key)); raw != nil {
			sealed = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if sealed == nil {
		return fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	plain, err := v.open(key, sealed)
	if err != nil {
		return err
	}
	defer memzero.Zero(plain)
	return cbor.Unmarshal(plain, out)
}

// Has reports whether key is present, without decrypting it.
func (v *Vault) Has(key string) (bool, error) {
	var found bool
	err := v.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketRecords).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// Delete removes key. Deleting an absent key is a no-op.
func (v *Vault) Delete(key string) error {
	return v.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(key))
	})
}

// KeysWithPrefix returns all keys starting with prefix in byte order.
func (v *Vault) KeysWithPrefix(prefix string) ([]string, error) {
	var keys []string
	err := v.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// seal encrypts plain bound to key. Layout: nonce || ciphertext.
func (v *Vault) seal(key string, plain []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return v.aead.Seal(nonce, nonce, plain, []byte(key)), nil
}

// open authenticates and decrypts a sealed record.
func (v *Vault) open(key string, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, ErrTamperOrWrongPassphrase
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := v.aead.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return nil, ErrTamperOrWrongPassphrase
	}
	return plain, nil
}
