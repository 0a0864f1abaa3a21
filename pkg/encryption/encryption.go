// Package encryption implements the optional key exchange and stream cipher
// wrapping frames after a client accepted the enableencryption command.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"slices"
	"sync"

	"github.com/Tnze/go-mc/net/CFB8"
	"github.com/pkg/errors"
)

// Mode selects the cipher feedback width.
type Mode string

const (
	ModeCFB8   Mode = "cfb8"
	ModeCFB    Mode = "cfb"
	ModeCFB128 Mode = "cfb128"
)

// SaltSize is the length of the random salt offered to the peer.
const SaltSize = 16

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeCFB8, ModeCFB, ModeCFB128:
		return m, nil
	}
	return "", errors.Wrapf(ErrUnsupportedMode, "mode %q", s)
}

// Session holds one side of a key exchange and, once completed, the cipher
// pair. It starts disabled and can be enabled exactly once.
type Session struct {
	mode Mode
	key  *ecdh.PrivateKey
	salt []byte

	mu      sync.RWMutex
	enabled bool

	encMu     sync.Mutex
	encrypter cipher.Stream
	decMu     sync.Mutex
	decrypter cipher.Stream
}

// NewSession generates a P-384 key pair and a random salt.
func NewSession(mode Mode) (*Session, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	key, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key pair")
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}

	return &Session{mode: mode, key: key, salt: salt}, nil
}

// AcceptOffer answers a key exchange offer from the client side: it adopts
// the offered salt, completes the exchange against offerKey and returns an
// enabled session whose PublicKey is the reply.
func AcceptOffer(offerKey, salt string, mode Mode) (*Session, error) {
	s, err := NewSession(mode)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, errors.Wrap(err, "decode salt")
	}
	s.salt = raw

	if err := s.Complete(offerKey); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Mode() Mode {
	return s.mode
}

// PublicKey returns the base64 encoded SPKI DER form of the local public key.
func (s *Session) PublicKey() string {
	der, err := x509.MarshalPKIXPublicKey(s.key.PublicKey())
	if err != nil {
		// P-384 ecdh keys are always marshalable.
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

// Salt returns the base64 encoded salt.
func (s *Session) Salt() string {
	return base64.StdEncoding.EncodeToString(s.salt)
}

// HandshakeCommand returns the command line that asks the client to start
// the key exchange.
func (s *Session) HandshakeCommand() string {
	return fmt.Sprintf("enableencryption %q %q %s", s.PublicKey(), s.Salt(), s.mode)
}

// Complete derives the cipher pair from the peer's base64 SPKI public key and
// enables the session.
func (s *Session) Complete(peerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled {
		return ErrAlreadyEnabled
	}

	pub, err := parsePublicKey(peerKey)
	if err != nil {
		return err
	}

	secret, err := s.key.ECDH(pub)
	if err != nil {
		return errors.Wrap(ErrInvalidPublicKey, err.Error())
	}

	enc, dec, err := newStreams(s.mode, deriveKey(s.salt, secret))
	if err != nil {
		return err
	}

	s.encrypter, s.decrypter = enc, dec
	s.enabled = true
	return nil
}

// Enabled reports whether the key exchange completed.
func (s *Session) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Encrypt returns the ciphertext of p. The cipher state carries over between
// calls, so frames must be encrypted in transmission order.
func (s *Session) Encrypt(p []byte) ([]byte, error) {
	if !s.Enabled() {
		return nil, ErrNotInitialized
	}

	s.encMu.Lock()
	defer s.encMu.Unlock()

	out := make([]byte, len(p))
	s.encrypter.XORKeyStream(out, p)
	return out, nil
}

// Decrypt returns the plaintext of p. Frames must be decrypted in arrival order.
func (s *Session) Decrypt(p []byte) ([]byte, error) {
	if !s.Enabled() {
		return nil, ErrNotInitialized
	}

	s.decMu.Lock()
	defer s.decMu.Unlock()

	out := make([]byte, len(p))
	s.decrypter.XORKeyStream(out, p)
	return out, nil
}

func parsePublicKey(encoded string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPublicKey, err.Error())
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPublicKey, err.Error())
	}

	ecPub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidPublicKey, "unexpected key type %T", parsed)
	}

	pub, err := ecPub.ECDH()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPublicKey, err.Error())
	}
	if pub.Curve() != ecdh.P384() {
		return nil, errors.Wrap(ErrInvalidPublicKey, "key is not on P-384")
	}
	return pub, nil
}

// deriveKey returns SHA-256(salt || secret).
func deriveKey(salt, secret []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(secret)
	return h.Sum(nil)
}

// newStreams builds the encrypt/decrypt pair. The IV is the first block of key.
func newStreams(mode Mode, key []byte) (enc, dec cipher.Stream, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create aes cipher")
	}
	iv := key[:aes.BlockSize]

	switch mode {
	case ModeCFB8:
		return CFB8.NewCFB8Encrypt(block, slices.Clone(iv)), CFB8.NewCFB8Decrypt(block, slices.Clone(iv)), nil
	case ModeCFB, ModeCFB128:
		return cipher.NewCFBEncrypter(block, iv), cipher.NewCFBDecrypter(block, iv), nil
	}
	return nil, nil, errors.Wrapf(ErrUnsupportedMode, "mode %q", mode)
}
