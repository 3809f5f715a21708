// Package protect encrypts sensitive configuration fields at rest.
//
// Fields are marked with a struct tag:
//
//	ConnectionSecret string `protect:"connection_secret"`
//
// Each tagged field is sealed with AES-256-GCM under its own subkey, derived
// from the master key with HKDF-SHA256 using the tag name as info. Sealed
// values are stored as "enc:v1:" + base64(nonce|ciphertext).
//
// Plaintext never leaves the process in exports: MaskFields replaces every
// protected value with Sentinel, and MergeUnchanged turns a Sentinel coming
// back in an import into "keep the current value".
package protect

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/JonMunkholm/loadergate/internal/errs"
)

// Sentinel stands in for a protected value in exports and means "unchanged"
// when it comes back in an import.
const Sentinel = "<unchanged>"

const (
	tagName    = "protect"
	sealPrefix = "enc:v1:"
	keySize    = 32
	infoPrefix = "loadergate/field/"
)

var errNotSealed = errors.New("value is not sealed")

// Protector seals and opens protected fields.
type Protector struct {
	master []byte

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

// New creates a Protector from a 32-byte master key.
func New(masterKey []byte) (*Protector, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("protect: master key must be %d bytes, got %d", keySize, len(masterKey))
	}
	key := make([]byte, keySize)
	copy(key, masterKey)
	return &Protector{master: key, aeads: make(map[string]cipher.AEAD)}, nil
}

// NewFromBase64 creates a Protector from a base64-encoded master key.
func NewFromBase64(encoded string) (*Protector, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("protect: decode master key: %w", err)
	}
	return New(key)
}

// aead returns the cipher for field, deriving its subkey on first use.
func (p *Protector) aead(field string) (cipher.AEAD, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.aeads[field]; ok {
		return a, nil
	}

	sub := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, p.master, nil, []byte(infoPrefix+field)), sub); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(sub)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	p.aeads[field] = a
	return a, nil
}

// Seal encrypts plaintext for field. Empty values stay empty.
func (p *Protector) Seal(field, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if plaintext == Sentinel {
		return "", &errs.EncryptionError{Field: field, Err: errors.New("refusing to seal the unchanged sentinel")}
	}

	a, err := p.aead(field)
	if err != nil {
		return "", &errs.EncryptionError{Field: field, Err: err}
	}

	nonce := make([]byte, a.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &errs.EncryptionError{Field: field, Err: err}
	}

	// Field name as associated data binds the ciphertext to its column.
	sealed := a.Seal(nonce, nonce, []byte(plaintext), []byte(field))
	return sealPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same field.
func (p *Protector) Open(field, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !IsSealed(value) {
		return "", &errs.EncryptionError{Field: field, Err: errNotSealed}
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealPrefix))
	if err != nil {
		return "", &errs.EncryptionError{Field: field, Err: err}
	}

	a, err := p.aead(field)
	if err != nil {
		return "", &errs.EncryptionError{Field: field, Err: err}
	}
	if len(raw) < a.NonceSize() {
		return "", &errs.EncryptionError{Field: field, Err: errors.New("ciphertext too short")}
	}

	nonce, ciphertext := raw[:a.NonceSize()], raw[a.NonceSize():]
	plain, err := a.Open(nil, nonce, ciphertext, []byte(field))
	if err != nil {
		return "", &errs.EncryptionError{Field: field, Err: err}
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed-value prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealPrefix)
}

// SealFields seals every protected string field of the struct v points to.
// Every value is treated as plaintext, including one that happens to start
// with the sealed prefix; callers must not pass already-sealed structs.
func (p *Protector) SealFields(v any) error {
	return walk(v, func(field string, fv reflect.Value) error {
		sealed, err := p.Seal(field, fv.String())
		if err != nil {
			return err
		}
		fv.SetString(sealed)
		return nil
	})
}

// OpenFields opens every protected string field of the struct v points to.
func (p *Protector) OpenFields(v any) error {
	return walk(v, func(field string, fv reflect.Value) error {
		plain, err := p.Open(field, fv.String())
		if err != nil {
			return err
		}
		fv.SetString(plain)
		return nil
	})
}

// MaskFields replaces every non-empty protected value with Sentinel.
func MaskFields(v any) {
	_ = walk(v, func(_ string, fv reflect.Value) error {
		if fv.String() != "" {
			fv.SetString(Sentinel)
		}
		return nil
	})
}

// MergeUnchanged copies protected values from current into dst wherever dst
// holds Sentinel. current may be nil, in which case a Sentinel in dst is a
// validation error: there is nothing to keep.
func MergeUnchanged(dst, current any) error {
	var cur map[string]string
	if rv := reflect.ValueOf(current); rv.Kind() == reflect.Pointer && !rv.IsNil() {
		cur = make(map[string]string)
		_ = walk(current, func(field string, fv reflect.Value) error {
			cur[field] = fv.String()
			return nil
		})
	}

	return walk(dst, func(field string, fv reflect.Value) error {
		if fv.String() != Sentinel {
			return nil
		}
		if cur == nil {
			return errs.Validation(field, "%s has no current value to keep", Sentinel)
		}
		fv.SetString(cur[field])
		return nil
	})
}

// Fields lists the protected field names of the struct v points to.
func Fields(v any) []string {
	var names []string
	_ = walk(v, func(field string, _ reflect.Value) error {
		names = append(names, field)
		return nil
	})
	return names
}

// walk calls fn for each settable string field tagged `protect`, descending
// into nested structs.
func walk(v any, fn func(field string, fv reflect.Value) error) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("protect: expected non-nil struct pointer, got %T", v)
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("protect: expected struct pointer, got %T", v)
	}
	return walkStruct(rv, fn)
}

func walkStruct(rv reflect.Value, fn func(string, reflect.Value) error) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		fv := rv.Field(i)
		if !fv.CanSet() {
			continue
		}
		if sf.Type.Kind() == reflect.Struct {
			if err := walkStruct(fv, fn); err != nil {
				return err
			}
			continue
		}
		name := sf.Tag.Get(tagName)
		if name == "" || sf.Type.Kind() != reflect.String {
			continue
		}
		if err := fn(name, fv); err != nil {
			return err
		}
	}
	return nil
}
