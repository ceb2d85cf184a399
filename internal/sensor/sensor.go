// Package sensor reads the main supply's bus voltage and shunt current.
package sensor

import (
	"errors"
	"sync"
)

// ErrRead marks a transient read failure. Callers retry on the next tick.
var ErrRead = errors.New("sensor read failed")

// PowerSensor reads the main supply.
type PowerSensor interface {
	BusMilliV() (int32, error)
	ShuntMilliA() (int32, error)
}

// Fake is a scripted PowerSensor for tests.
type Fake struct {
	mu     sync.Mutex
	milliV int32
	milliA int32
	err    error
	reads  int
}

// NewFake creates a fake reading milliV and milliA.
func NewFake(milliV, milliA int32) *Fake {
	return &Fake{milliV: milliV, milliA: milliA}
}

// Set changes the reading.
func (f *Fake) Set(milliV, milliA int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.milliV, f.milliA = milliV, milliA
}

// SetMilliW sets a reading of milliW at 1 V, for tests that think in power.
func (f *Fake) SetMilliW(milliW int32) { f.Set(1000, milliW) }

// Fail makes every read return err wrapped in ErrRead; nil clears it.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Reads returns the number of read calls.
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *Fake) read(v int32) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return 0, errors.Join(ErrRead, f.err)
	}
	return v, nil
}

// BusMilliV returns the scripted voltage.
func (f *Fake) BusMilliV() (int32, error) {
	f.mu.Lock()
	v := f.milliV
	f.mu.Unlock()
	return f.read(v)
}

// ShuntMilliA returns the scripted current.
func (f *Fake) ShuntMilliA() (int32, error) {
	f.mu.Lock()
	v := f.milliA
	f.mu.Unlock()
	return f.read(v)
}
