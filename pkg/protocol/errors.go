package protocol

import "github.com/pkg/errors"

var (
	ErrMissingPurpose = errors.New("frame header has no messagePurpose")
	ErrNotRegistered  = errors.New("packet identifier is not registered")
	ErrDuplicateID    = errors.New("packet identifier is already registered")
)
