//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// Chip hands out lines of one GPIO character device.
type Chip struct {
	name string

	mu    sync.Mutex
	lines []*gpiocdev.Line
}

// Line is a requested GPIO line.
type Line struct {
	line *gpiocdev.Line
}

// OpenChip opens a GPIO chip by name, e.g. "gpiochip0".
func OpenChip(name string) (*Chip, error) {
	// Probe the chip so configuration errors surface at startup.
	c, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", name, err)
	}
	if err := c.Close(); err != nil {
		return nil, fmt.Errorf("close gpio chip %s: %w", name, err)
	}
	return &Chip{name: name}, nil
}

// RequestInput requests an input line, watching both edges when cfg.OnEdge
// is set.
func (c *Chip) RequestInput(cfg LineConfig) (*Line, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput}
	if cfg.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	if cfg.OnEdge != nil {
		h := cfg.OnEdge
		opts = append(opts,
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { h() }))
	}
	return c.request(cfg.Offset, opts)
}

// RequestOutput requests an output line driven to cfg.Initial.
func (c *Chip) RequestOutput(cfg LineConfig) (*Line, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(boolToValue(cfg.Initial))}
	if cfg.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	return c.request(cfg.Offset, opts)
}

func (c *Chip) request(offset int, opts []gpiocdev.LineReqOption) (*Line, error) {
	l, err := gpiocdev.RequestLine(c.name, offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", c.name, offset, err)
	}
	c.mu.Lock()
	c.lines = append(c.lines, l)
	c.mu.Unlock()
	return &Line{line: l}, nil
}

// Active returns the logical level of the line.
func (l *Line) Active() (bool, error) {
	v, err := l.line.Value()
	if err != nil {
		return false, fmt.Errorf("read line: %w", err)
	}
	return v != 0, nil
}

// SetActive drives the line's logical level.
func (l *Line) SetActive(active bool) error {
	if err := l.line.SetValue(boolToValue(active)); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// Close releases every line requested from the chip.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, l := range c.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.lines = nil

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func boolToValue(b bool) int {
	if b {
		return 1
	}
	return 0
}
