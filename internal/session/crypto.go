// Package session implements the server side of user sessions: the crypto
// engine that unwraps session keys and encrypted request bodies, the
// session manager with its per-account caps and counters, the nonce replay
// ledger, and the checkpoint files that carry all of it across restarts.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the symmetric session key length.
	KeySize = chacha20poly1305.KeySize
	// IVSize is the length of the per-message IV blocks on the wire. The
	// 24-byte random IVs are used directly as XChaCha20-Poly1305 nonces.
	IVSize = chacha20poly1305.NonceSizeX
	// SealedKeySize is the fixed length of the asymmetrically sealed
	// session key block.
	SealedKeySize = KeySize + box.AnonymousOverhead

	keyPairFileSize = 64
)

var (
	ErrSealedKeyBlock = errors.New("session: sealed key block rejected")
	ErrBodyDecrypt    = errors.New("session: encrypted body rejected")
	ErrKeyFile        = errors.New("session: malformed key pair file")
)

// KeyPair is the server's long-lived asymmetric key pair. Clients seal
// session keys to its public key.
type KeyPair struct {
	public  [32]byte
	private [32]byte
}

// GenerateKeyPair creates a fresh key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("session: generate key pair: %w", err)
	}
	return &KeyPair{public: *pub, private: *priv}, nil
}

// LoadOrCreateKeyPair reads the key pair file at path, generating and
// persisting a new pair if the file does not exist.
func LoadOrCreateKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keyPairFileSize {
			return nil, ErrKeyFile
		}
		kp := &KeyPair{}
		copy(kp.public[:], data[:32])
		copy(kp.private[:], data[32:])
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("session: read key pair: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("session: create key dir: %w", err)
	}
	buf := make([]byte, 0, keyPairFileSize)
	buf = append(buf, kp.public[:]...)
	buf = append(buf, kp.private[:]...)
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return nil, fmt.Errorf("session: write key pair: %w", err)
	}
	zeroBytes(buf)
	return kp, nil
}

// PublicKey returns the public half for distribution to clients.
func (kp *KeyPair) PublicKey() [32]byte {
	return kp.public
}

// OpenSessionKey unseals a client's session key block. The block length
// must be exactly SealedKeySize.
func (kp *KeyPair) OpenSessionKey(sealed []byte) ([]byte, error) {
	if len(sealed) != SealedKeySize {
		return nil, ErrSealedKeyBlock
	}
	key, ok := box.OpenAnonymous(nil, sealed, &kp.public, &kp.private)
	if !ok || len(key) != KeySize {
		return nil, ErrSealedKeyBlock
	}
	return key, nil
}

// SealSessionKeyTo seals a session key to a server public key. The server
// never calls this; it exists for the client side of tests and tooling.
func SealSessionKeyTo(serverPublic [32]byte, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrSealedKeyBlock
	}
	sealed, err := box.SealAnonymous(nil, key, &serverPublic, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("session: seal key: %w", err)
	}
	return sealed, nil
}

// OpenBody decrypts an encrypted request body with the session key and the
// request IV.
func OpenBody(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("session: body cipher: %w", err)
	}
	if len(iv) != IVSize {
		return nil, ErrBodyDecrypt
	}
	plain, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrBodyDecrypt
	}
	return plain, nil
}

// SealBody encrypts a response body with the session key and the response
// IV supplied by the client.
func SealBody(key, iv, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("session: body cipher: %w", err)
	}
	if len(iv) != IVSize {
		return nil, ErrBodyDecrypt
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
