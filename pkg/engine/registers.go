package engine

import (
	"github.com/pkg/errors"
)

// ErrOutOfRange is returned for accesses beyond a register array.
var ErrOutOfRange = errors.New("register index out of range")

// Registers is a fixed-capacity, bounds-checked register array. Every core
// owns its arrays; they are never shared between functions.
type Registers[T ~uint16 | ~uint32] struct {
	vals []T
}

func newRegisters[T ~uint16 | ~uint32](n int) *Registers[T] {
	return &Registers[T]{vals: make([]T, n)}
}

// Len returns the capacity of the array.
func (r *Registers[T]) Len() int {
	return len(r.vals)
}

// Get returns register i.
func (r *Registers[T]) Get(i int) (T, error) {
	if i < 0 || i >= len(r.vals) {
		return 0, errors.Wrapf(ErrOutOfRange, "get %d of %d", i, len(r.vals))
	}
	return r.vals[i], nil
}

// Set stores v in register i.
func (r *Registers[T]) Set(i int, v T) error {
	if i < 0 || i >= len(r.vals) {
		return errors.Wrapf(ErrOutOfRange, "set %d of %d", i, len(r.vals))
	}
	r.vals[i] = v
	return nil
}

// MustGet is Get for indices that are compile-time constants.
func (r *Registers[T]) MustGet(i int) T {
	v, err := r.Get(i)
	if err != nil {
		panic(err)
	}
	return v
}

func (r *Registers[T]) clear() {
	for i := range r.vals {
		r.vals[i] = 0
	}
}
