package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store saves and loads one JSON document.
type Store interface {
	// Load returns the stored document. ok is false when nothing was saved yet.
	Load(ctx context.Context) (doc []byte, ok bool, err error)
	Save(ctx context.Context, doc []byte) error
	Close() error
}
