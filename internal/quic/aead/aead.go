// Package aead implements the Encrypter/Decrypter family for the five
// algorithms this core supports, collapsing what was a class hierarchy
// per algorithm (spec §9) into a single type parameterized by an
// Algorithm identifier and its associated configuration record.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Algorithm identifies one of the five supported AEAD configurations.
type Algorithm int

const (
	// AES128GCM12 is the Google-QUIC variant: 12-byte tag, Google nonce
	// construction.
	AES128GCM12 Algorithm = iota
	// AES128GCM is the IETF variant: 16-byte tag, IETF nonce
	// construction.
	AES128GCM
	// AES256GCM is IETF, 16-byte tag.
	AES256GCM
	// ChaCha20Poly1305 is the Google-QUIC variant: 12-byte tag.
	ChaCha20Poly1305
	// ChaCha20Poly1305TLS is the IETF variant: 16-byte tag.
	ChaCha20Poly1305TLS
)

func (a Algorithm) String() string {
	switch a {
	case AES128GCM12:
		return "AES-128-GCM-12"
	case AES128GCM:
		return "AES-128-GCM"
	case AES256GCM:
		return "AES-256-GCM"
	case ChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	case ChaCha20Poly1305TLS:
		return "ChaCha20-Poly1305-TLS"
	default:
		return "unknown"
	}
}

// config is the small per-algorithm configuration record spec §9 calls
// for in place of a class hierarchy.
type config struct {
	keySize   int
	tagSize   int
	ietfNonce bool
	// integrityLimit bounds the number of invalid decryption attempts a
	// Crypter permits over its lifetime, across every key installed on
	// it, before the connection must be closed with a fatal protocol
	// error.
	integrityLimit uint64
}

var configs = map[Algorithm]config{
	AES128GCM12:         {keySize: 16, tagSize: 12, ietfNonce: false, integrityLimit: 1 << 36},
	AES128GCM:           {keySize: 16, tagSize: 16, ietfNonce: true, integrityLimit: 1 << 36},
	AES256GCM:           {keySize: 32, tagSize: 16, ietfNonce: true, integrityLimit: 1 << 52},
	ChaCha20Poly1305:    {keySize: 32, tagSize: 12, ietfNonce: false, integrityLimit: 1 << 36},
	ChaCha20Poly1305TLS: {keySize: 32, tagSize: 16, ietfNonce: true, integrityLimit: 1 << 36},
}

const nonceSize = 12
const noncePrefixSize = 4 // Google-QUIC nonce prefix: 12 - 8 (packet number) bytes

// ErrIntegrityLimitExceeded is returned by Open once the per-algorithm
// count of invalid decryption attempts has been exceeded; the caller
// must treat this as a fatal protocol error and close the connection.
var ErrIntegrityLimitExceeded = fmt.Errorf("aead: integrity limit exceeded")

// Crypter is a single AEAD context for one algorithm, shared by both
// the seal and open directions of one encryption level's key set.
// Attempting DecryptPacket (Open) while a preliminary key is pending
// diversification is a bug and fails.
type Crypter struct {
	alg Algorithm
	cfg config

	key         []byte
	noncePrefix [noncePrefixSize]byte // Google-QUIC only
	iv          [nonceSize]byte       // IETF only

	havePreliminaryKey    bool
	preliminaryKey        []byte
	preliminaryNoncePrefix [noncePrefixSize]byte

	aead cipher.AEAD // nil for the Google ChaCha20-Poly1305 12-byte variant, which is hand-rolled

	invalidCount uint64

	currentKeyPhase                  bool
	potentialPeerKeyUpdateAttempts int
}

// New returns a Crypter for alg with no key installed yet.
func New(alg Algorithm) *Crypter {
	return &Crypter{alg: alg, cfg: configs[alg]}
}

// Algorithm returns the algorithm this Crypter was constructed for.
func (c *Crypter) Algorithm() Algorithm { return c.alg }

// TagSize returns the fixed authentication-tag size for this
// Crypter's algorithm; it never changes mid-connection (spec §9 Open
// Questions).
func (c *Crypter) TagSize() int { return c.cfg.tagSize }

// SetKey installs the raw key. Its length must match the algorithm's
// key size.
func (c *Crypter) SetKey(key []byte) error {
	if len(key) != c.cfg.keySize {
		return fmt.Errorf("aead: %s requires a %d-byte key, got %d", c.alg, c.cfg.keySize, len(key))
	}
	c.key = append([]byte(nil), key...)
	return c.rebuildCipher()
}

// SetNoncePrefix installs the 4-byte nonce prefix used by the
// Google-QUIC nonce construction. Calling this on an IETF-nonce
// algorithm is a key-material misuse bug and fails without side
// effects.
func (c *Crypter) SetNoncePrefix(prefix []byte) error {
	if c.cfg.ietfNonce {
		return fmt.Errorf("aead: %s uses IETF nonce construction, not a nonce prefix", c.alg)
	}
	if len(prefix) != noncePrefixSize {
		return fmt.Errorf("aead: nonce prefix must be %d bytes, got %d", noncePrefixSize, len(prefix))
	}
	copy(c.noncePrefix[:], prefix)
	return nil
}

// SetIV installs the full 12-byte IV used by the IETF nonce
// construction. Calling this on a Google-QUIC-nonce algorithm is a
// key-material misuse bug and fails without side effects.
func (c *Crypter) SetIV(iv []byte) error {
	if !c.cfg.ietfNonce {
		return fmt.Errorf("aead: %s uses Google-QUIC nonce construction, not a full IV", c.alg)
	}
	if len(iv) != nonceSize {
		return fmt.Errorf("aead: IV must be %d bytes, got %d", nonceSize, len(iv))
	}
	copy(c.iv[:], iv)
	return nil
}

// SetPreliminaryKey stashes a key awaiting a later diversification
// nonce; Google-QUIC only. DecryptPacket fails while a preliminary key
// is pending.
func (c *Crypter) SetPreliminaryKey(key, noncePrefix []byte) error {
	if c.cfg.ietfNonce {
		return fmt.Errorf("aead: key diversification is Google-QUIC only")
	}
	if len(key) != c.cfg.keySize || len(noncePrefix) != noncePrefixSize {
		return fmt.Errorf("aead: preliminary key/nonce-prefix size mismatch")
	}
	c.preliminaryKey = append([]byte(nil), key...)
	copy(c.preliminaryNoncePrefix[:], noncePrefix)
	c.havePreliminaryKey = true
	return nil
}

// SetDiversificationNonce derives the active key material from the
// pending preliminary key and d via
// HKDF(key‖noncePrefix, d, "QUIC key diversification", keySize+noncePrefixSize)
// and installs it, clearing the preliminary-key state.
func (c *Crypter) SetDiversificationNonce(d []byte) error {
	if !c.havePreliminaryKey {
		return fmt.Errorf("aead: no preliminary key pending diversification")
	}

	secret := append(append([]byte(nil), c.preliminaryKey...), c.preliminaryNoncePrefix[:]...)
	reader := hkdf.New(sha256.New, secret, d, []byte("QUIC key diversification"))

	out := make([]byte, c.cfg.keySize+noncePrefixSize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return fmt.Errorf("aead: key diversification HKDF: %w", err)
	}

	if err := c.SetKey(out[:c.cfg.keySize]); err != nil {
		return err
	}
	if err := c.SetNoncePrefix(out[c.cfg.keySize:]); err != nil {
		return err
	}

	c.havePreliminaryKey = false
	c.preliminaryKey = nil
	return nil
}

func (c *Crypter) rebuildCipher() error {
	switch c.alg {
	case AES128GCM12, AES128GCM:
		block, err := aes.NewCipher(c.key)
		if err != nil {
			return fmt.Errorf("aead: %s: %w", c.alg, err)
		}
		a, err := cipher.NewGCMWithTagSize(block, c.cfg.tagSize)
		if err != nil {
			return fmt.Errorf("aead: %s: %w", c.alg, err)
		}
		c.aead = a
	case AES256GCM:
		block, err := aes.NewCipher(c.key)
		if err != nil {
			return fmt.Errorf("aead: %s: %w", c.alg, err)
		}
		a, err := cipher.NewGCMWithTagSize(block, c.cfg.tagSize)
		if err != nil {
			return fmt.Errorf("aead: %s: %w", c.alg, err)
		}
		c.aead = a
	case ChaCha20Poly1305TLS:
		a, err := chacha20poly1305.New(c.key)
		if err != nil {
			return fmt.Errorf("aead: %s: %w", c.alg, err)
		}
		c.aead = a
	case ChaCha20Poly1305:
		// 12-byte truncated tag: the composed package fixes the tag at
		// 16 bytes, so this variant is hand-built in chacha_google.go
		// from the stream cipher and MAC primitives directly. No
		// cipher.AEAD is constructed here.
		c.aead = nil
	}
	return nil
}

// nonce constructs the 12-byte nonce for pn under this Crypter's
// configured construction (Google-QUIC prefix+little-endian-PN, or
// IETF IV XOR big-endian-PN).
func (c *Crypter) nonce(pn uint64) [nonceSize]byte {
	var n [nonceSize]byte
	if c.cfg.ietfNonce {
		copy(n[:], c.iv[:])
		var pnBytes [nonceSize]byte
		binary.BigEndian.PutUint64(pnBytes[nonceSize-8:], pn)
		for i := range n {
			n[i] ^= pnBytes[i]
		}
		return n
	}
	copy(n[:noncePrefixSize], c.noncePrefix[:])
	binary.LittleEndian.PutUint64(n[noncePrefixSize:], pn)
	return n
}

// Seal encrypts plaintext under packet number pn with associated data
// ad, appending the result to dst.
func (c *Crypter) Seal(dst []byte, pn uint64, ad, plaintext []byte) []byte {
	n := c.nonce(pn)
	if c.alg == ChaCha20Poly1305 {
		return sealChaCha20Poly1305Google(dst, c.key, n, ad, plaintext)
	}
	return c.aead.Seal(dst, n[:], plaintext, ad)
}

// Open decrypts ciphertext sealed under packet number pn with
// associated data ad, appending the recovered plaintext to dst.
// Ciphertext shorter than the algorithm's tag size fails without
// touching the AEAD, matching the original's short-circuit. Returns
// ErrIntegrityLimitExceeded, in addition to a failed open, once the
// per-algorithm invalid-decryption cap has been crossed; the caller
// must treat that as fatal.
func (c *Crypter) Open(dst []byte, pn uint64, ad, ciphertext []byte) ([]byte, bool, error) {
	if c.havePreliminaryKey {
		return dst, false, fmt.Errorf("aead: Open called while a preliminary key is pending diversification")
	}
	if len(ciphertext) < c.cfg.tagSize {
		return dst, false, nil
	}

	n := c.nonce(pn)
	var plaintext []byte
	var err error
	if c.alg == ChaCha20Poly1305 {
		plaintext, err = openChaCha20Poly1305Google(dst, c.key, n, ad, ciphertext)
	} else {
		plaintext, err = c.aead.Open(dst, n[:], ciphertext, ad)
	}

	if err != nil {
		// Decryption is speculatively tried against multiple keys, so
		// failures are expected and the underlying error is discarded
		// (mirrors silently clearing the library's error stack).
		c.invalidCount++
		c.potentialPeerKeyUpdateAttempts++
		if c.invalidCount > c.cfg.integrityLimit {
			return dst, false, ErrIntegrityLimitExceeded
		}
		return dst, false, nil
	}

	c.potentialPeerKeyUpdateAttempts = 0
	return plaintext, true, nil
}

// InvalidDecryptionCount returns the number of failed Open calls
// observed over this Crypter's lifetime; SetKey does not reset it.
func (c *Crypter) InvalidDecryptionCount() uint64 { return c.invalidCount }

// PotentialPeerKeyUpdateAttempts returns the count of failed
// decryptions since the last success, used to bound key-update probe
// damage.
func (c *Crypter) PotentialPeerKeyUpdateAttempts() int { return c.potentialPeerKeyUpdateAttempts }

// CurrentKeyPhase returns the IETF key-phase bit currently installed.
func (c *Crypter) CurrentKeyPhase() bool { return c.currentKeyPhase }

// ToggleKeyPhase flips the current key-phase bit; called once a new
// key pair has been installed following a key update.
func (c *Crypter) ToggleKeyPhase() { c.currentKeyPhase = !c.currentKeyPhase }
