//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// Chip is not available on non-Linux platforms.
type Chip struct{}

// Line is not available on non-Linux platforms.
type Line struct{}

// OpenChip returns an error on non-Linux platforms.
func OpenChip(name string) (*Chip, error) {
	return nil, errUnsupported
}

// RequestInput is not implemented on non-Linux platforms.
func (c *Chip) RequestInput(cfg LineConfig) (*Line, error) { return nil, errUnsupported }

// RequestOutput is not implemented on non-Linux platforms.
func (c *Chip) RequestOutput(cfg LineConfig) (*Line, error) { return nil, errUnsupported }

// Close is not implemented on non-Linux platforms.
func (c *Chip) Close() error { return nil }

// Active is not implemented on non-Linux platforms.
func (l *Line) Active() (bool, error) { return false, errUnsupported }

// SetActive is not implemented on non-Linux platforms.
func (l *Line) SetActive(bool) error { return errUnsupported }
