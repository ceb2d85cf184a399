package gpio

import "sync"

// FakePin is a test double usable as Input or Output.
type FakePin struct {
	mu sync.Mutex

	// Level is the logical level returned by Active.
	Level bool

	// ReadError, if set, is returned by Active.
	ReadError error

	// WriteError, if set, is returned by SetActive.
	WriteError error

	// Writes records every level passed to SetActive.
	Writes []bool

	// OnEdge is invoked by Toggle and Set when non-nil.
	OnEdge EdgeHandler
}

// NewFakePin creates a FakePin at the given level.
func NewFakePin(level bool) *FakePin {
	return &FakePin{Level: level}
}

// Active returns the scripted level.
func (f *FakePin) Active() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return false, f.ReadError
	}
	return f.Level, nil
}

// SetActive records the write and updates the level.
func (f *FakePin) SetActive(active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.Writes = append(f.Writes, active)
	f.Level = active
	return nil
}

// Set changes the input level as the outside world would and fires OnEdge
// if the level changed.
func (f *FakePin) Set(level bool) {
	f.mu.Lock()
	changed := f.Level != level
	f.Level = level
	h := f.OnEdge
	f.mu.Unlock()
	if changed && h != nil {
		h()
	}
}

// WriteCount returns the number of successful writes.
func (f *FakePin) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Writes)
}

// Reset clears recorded writes and errors.
func (f *FakePin) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes = nil
	f.ReadError = nil
	f.WriteError = nil
}
