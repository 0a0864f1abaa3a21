package server

import "github.com/pkg/errors"

var (
	ErrServerClosed     = errors.New("server is already closed")
	ErrPlayerNotFound   = errors.New("player is not in the world")
	ErrUnexpectedResult = errors.New("unexpected command result")
)
