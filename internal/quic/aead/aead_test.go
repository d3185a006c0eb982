package aead

import (
	"bytes"
	"testing"
)

func TestBasicSealOpenAES128GCM12(t *testing.T) {
	sealer := New(AES128GCM12)
	if err := sealer.SetKey(make([]byte, 16)); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := sealer.SetNoncePrefix(make([]byte, 4)); err != nil {
		t.Fatalf("SetNoncePrefix: %v", err)
	}

	ad := []byte("hdr")
	plaintext := []byte("hello")

	ciphertext := sealer.Seal(nil, 1, ad, plaintext)
	if len(ciphertext) != len(plaintext)+12 {
		t.Fatalf("len(ciphertext) = %d, want %d (5 + 12-byte tag)", len(ciphertext), len(plaintext)+12)
	}

	opener := New(AES128GCM12)
	if err := opener.SetKey(make([]byte, 16)); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := opener.SetNoncePrefix(make([]byte, 4)); err != nil {
		t.Fatalf("SetNoncePrefix: %v", err)
	}

	got, ok, err := opener.Open(nil, 1, ad, ciphertext)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if !ok {
		t.Fatal("Open returned ok=false for valid ciphertext")
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Open() = %q, want %q", got, plaintext)
	}

	// Flip a bit in the ciphertext: open must fail.
	corrupt := append([]byte(nil), ciphertext...)
	corrupt[0] ^= 0x01
	_, ok, err = opener.Open(nil, 1, ad, corrupt)
	if err != nil {
		t.Fatalf("Open on corrupt ciphertext returned unexpected error: %v", err)
	}
	if ok {
		t.Fatal("Open on corrupt ciphertext returned ok=true")
	}
}

func TestSealOpenRoundTripAllAlgorithms(t *testing.T) {
	algs := []Algorithm{AES128GCM12, AES128GCM, AES256GCM, ChaCha20Poly1305, ChaCha20Poly1305TLS}
	for _, alg := range algs {
		t.Run(alg.String(), func(t *testing.T) {
			cfg := configs[alg]
			key := make([]byte, cfg.keySize)
			for i := range key {
				key[i] = byte(i + 1)
			}

			sealer := New(alg)
			opener := New(alg)
			if err := sealer.SetKey(key); err != nil {
				t.Fatalf("sealer SetKey: %v", err)
			}
			if err := opener.SetKey(key); err != nil {
				t.Fatalf("opener SetKey: %v", err)
			}

			if cfg.ietfNonce {
				iv := make([]byte, nonceSize)
				iv[0] = 0xAB
				if err := sealer.SetIV(iv); err != nil {
					t.Fatalf("sealer SetIV: %v", err)
				}
				if err := opener.SetIV(iv); err != nil {
					t.Fatalf("opener SetIV: %v", err)
				}
			} else {
				prefix := []byte{1, 2, 3, 4}
				if err := sealer.SetNoncePrefix(prefix); err != nil {
					t.Fatalf("sealer SetNoncePrefix: %v", err)
				}
				if err := opener.SetNoncePrefix(prefix); err != nil {
					t.Fatalf("opener SetNoncePrefix: %v", err)
				}
			}

			ad := []byte("associated-data")
			plaintext := []byte("the quick brown fox jumps over the lazy dog")

			ciphertext := sealer.Seal(nil, 42, ad, plaintext)
			if len(ciphertext) != len(plaintext)+cfg.tagSize {
				t.Fatalf("len(ciphertext) = %d, want %d", len(ciphertext), len(plaintext)+cfg.tagSize)
			}

			got, ok, err := opener.Open(nil, 42, ad, ciphertext)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if !ok {
				t.Fatal("Open returned ok=false")
			}
			if !bytes.Equal(got, plaintext) {
				t.Fatalf("Open() = %q, want %q", got, plaintext)
			}

			// Wrong key fails.
			wrongKey := make([]byte, cfg.keySize)
			copy(wrongKey, key)
			wrongKey[0] ^= 0xff
			wrongOpener := New(alg)
			if err := wrongOpener.SetKey(wrongKey); err != nil {
				t.Fatalf("wrongOpener SetKey: %v", err)
			}
			if cfg.ietfNonce {
				iv := make([]byte, nonceSize)
				iv[0] = 0xAB
				wrongOpener.SetIV(iv)
			} else {
				wrongOpener.SetNoncePrefix([]byte{1, 2, 3, 4})
			}
			_, ok, err = wrongOpener.Open(nil, 42, ad, ciphertext)
			if err != nil {
				t.Fatalf("Open with wrong key returned unexpected error: %v", err)
			}
			if ok {
				t.Fatal("Open with wrong key succeeded")
			}
		})
	}
}

func TestOpenShortCiphertextFailsWithoutAEAD(t *testing.T) {
	opener := New(AES128GCM12)
	opener.SetKey(make([]byte, 16))
	opener.SetNoncePrefix(make([]byte, 4))

	_, ok, err := opener.Open(nil, 1, []byte("ad"), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Open on short ciphertext returned error: %v", err)
	}
	if ok {
		t.Fatal("Open on short ciphertext returned ok=true")
	}
}

func TestKeyDiversification(t *testing.T) {
	baseKey := make([]byte, 16)
	for i := range baseKey {
		baseKey[i] = byte(i)
	}
	noncePrefix := []byte{9, 9, 9, 9}
	diversificationNonce := []byte("0123456789abcdef0123456789abcdef")

	sealer := New(AES128GCM12)
	if err := sealer.SetPreliminaryKey(baseKey, noncePrefix); err != nil {
		t.Fatalf("SetPreliminaryKey: %v", err)
	}
	if err := sealer.SetDiversificationNonce(diversificationNonce); err != nil {
		t.Fatalf("SetDiversificationNonce: %v", err)
	}

	if bytes.Equal(sealer.key, baseKey) {
		t.Fatal("active key after diversification must differ from the preliminary key")
	}

	// A peer performing the identical derivation decrypts successfully.
	peer := New(AES128GCM12)
	if err := peer.SetPreliminaryKey(baseKey, noncePrefix); err != nil {
		t.Fatalf("peer SetPreliminaryKey: %v", err)
	}
	if err := peer.SetDiversificationNonce(diversificationNonce); err != nil {
		t.Fatalf("peer SetDiversificationNonce: %v", err)
	}

	ciphertext := sealer.Seal(nil, 7, []byte("ad"), []byte("secret message"))
	got, ok, err := peer.Open(nil, 7, []byte("ad"), ciphertext)
	if err != nil {
		t.Fatalf("peer Open: %v", err)
	}
	if !ok || string(got) != "secret message" {
		t.Fatalf("peer Open() = (%q, %v), want (\"secret message\", true)", got, ok)
	}
}

func TestIntegrityLimitExceeded(t *testing.T) {
	opener := New(AES128GCM12)
	opener.SetKey(make([]byte, 16))
	opener.SetNoncePrefix(make([]byte, 4))
	opener.invalidCount = configs[AES128GCM12].integrityLimit

	_, ok, err := opener.Open(nil, 1, []byte("ad"), []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13})
	if ok {
		t.Fatal("Open should not succeed on bogus ciphertext")
	}
	if err != ErrIntegrityLimitExceeded {
		t.Fatalf("Open error = %v, want ErrIntegrityLimitExceeded", err)
	}
}
