package encryption

import "github.com/pkg/errors"

var (
	ErrNotInitialized   = errors.New("encryption is not initialized")
	ErrAlreadyEnabled   = errors.New("encryption is already enabled")
	ErrUnsupportedMode  = errors.New("unsupported encryption mode")
	ErrInvalidPublicKey = errors.New("invalid peer public key")
)
