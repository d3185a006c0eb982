package aead

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

var (
	errShortCiphertext = errors.New("aead: ciphertext shorter than tag size")
	errAuthFailed      = errors.New("aead: authentication failed")
)

// chachaGoogleTagSize is the truncated tag length the legacy
// Google-QUIC ChaCha20-Poly1305 variant uses; it keeps the leading 12
// bytes of the full 16-byte Poly1305 tag.
const chachaGoogleTagSize = 12

// sealChaCha20Poly1305Google implements the 12-byte-tag variant
// directly on top of the stream cipher and MAC primitives, since
// golang.org/x/crypto/chacha20poly1305 fixes its tag at 16 bytes and
// exposes no truncation hook.
func sealChaCha20Poly1305Google(dst []byte, key []byte, nonce [nonceSize]byte, ad, plaintext []byte) []byte {
	polyKey, stream := deriveChachaPolyKey(key, nonce)

	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	tag := chachaPoly1305Tag(polyKey, ad, ciphertext)

	dst = append(dst, ciphertext...)
	dst = append(dst, tag[:chachaGoogleTagSize]...)
	return dst
}

// openChaCha20Poly1305Google verifies and decrypts a packet sealed by
// sealChaCha20Poly1305Google. The Poly1305 MAC is computed over the
// ciphertext and associated data (never the plaintext), so the
// expected tag can be recomputed and compared before any plaintext is
// recovered.
func openChaCha20Poly1305Google(dst []byte, key []byte, nonce [nonceSize]byte, ad, ciphertextAndTag []byte) ([]byte, error) {
	if len(ciphertextAndTag) < chachaGoogleTagSize {
		return nil, errShortCiphertext
	}
	ciphertext := ciphertextAndTag[:len(ciphertextAndTag)-chachaGoogleTagSize]
	receivedTag := ciphertextAndTag[len(ciphertextAndTag)-chachaGoogleTagSize:]

	polyKey, stream := deriveChachaPolyKey(key, nonce)

	expected := chachaPoly1305Tag(polyKey, ad, ciphertext)
	if subtle.ConstantTimeCompare(expected[:chachaGoogleTagSize], receivedTag) != 1 {
		return nil, errAuthFailed
	}

	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return append(dst, plaintext...), nil
}

// deriveChachaPolyKey derives the one-time Poly1305 key from the first
// 32 keystream bytes (counter 0) and returns a stream cipher primed at
// counter 1 for the data itself, per RFC 8439 §2.6.
func deriveChachaPolyKey(key []byte, nonce [nonceSize]byte) ([32]byte, *chacha20.Cipher) {
	stream, err := chacha20.NewUnauthenticatedCipher(key, nonce[:])
	if err != nil {
		// key/nonce sizes are validated by Crypter.SetKey/nonce() before
		// this is ever called.
		panic("aead: invalid chacha20 key or nonce size: " + err.Error())
	}

	var polyKey [32]byte
	stream.XORKeyStream(polyKey[:], polyKey[:])
	stream.SetCounter(1)

	return polyKey, stream
}

// chachaPoly1305Tag computes the RFC 8439 §2.8 Poly1305 tag over ad
// and ciphertext: ad ‖ pad16(ad) ‖ ciphertext ‖ pad16(ciphertext) ‖
// len(ad) ‖ len(ciphertext), both lengths little-endian uint64.
func chachaPoly1305Tag(polyKey [32]byte, ad, ciphertext []byte) [16]byte {
	msg := make([]byte, 0, len(ad)+len(ciphertext)+32)
	msg = append(msg, ad...)
	msg = appendPad16(msg, len(ad))
	msg = append(msg, ciphertext...)
	msg = appendPad16(msg, len(ciphertext))

	var lens [16]byte
	binary.LittleEndian.PutUint64(lens[0:8], uint64(len(ad)))
	binary.LittleEndian.PutUint64(lens[8:16], uint64(len(ciphertext)))
	msg = append(msg, lens[:]...)

	var tag [16]byte
	poly1305.Sum(&tag, msg, &polyKey)
	return tag
}

func appendPad16(dst []byte, n int) []byte {
	if rem := n % 16; rem != 0 {
		var zeros [16]byte
		dst = append(dst, zeros[:16-rem]...)
	}
	return dst
}
