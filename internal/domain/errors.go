package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrStopped       = errors.New("indexer stopped")
)
