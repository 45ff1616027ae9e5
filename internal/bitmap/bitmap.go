// Package bitmap implements a small synchronized bit set that can accommodate
// up to 64 boolean flags (indices 0 to 63) and detects transitions of its aggregate
// "any bit set" state. It is used to combine boolean requests coming from
// multiple independent sources, e.g. connection demands from several
// controlling parties.
package bitmap

import (
	"fmt"
	"math/bits"
	"sync"
)

// MaxIndex is the highest addressable bit.
const MaxIndex = 63

// ConcurrentBitMap holds up to 64 boolean flags, addressed by indices 0 to
// MaxIndex. Mutations and their change
// callbacks run atomically relative to other mutations. The zero value is
// ready to use.
type ConcurrentBitMap struct {
	mu   sync.Mutex
	bits uint64
}

// CumulativeSet sets or clears the bit at index, leaving all other bits
// untouched. When the aggregate state flips between zero and non-zero the
// changed callback fires, otherwise notChanged fires. Either callback may be
// nil. Callbacks run under the bitmap's own lock and must not acquire locks
// that could deadlock with it.
func (b *ConcurrentBitMap) CumulativeSet(index int, state bool, changed, notChanged func()) error {
	if err := checkIndex(index); err != nil {
		return err
	}
	b.set(func(current uint64) uint64 {
		if state {
			return current | 1<<index
		}
		return current &^ (1 << index)
	}, changed, notChanged)
	return nil
}

// ExclusiveSet makes index the only set bit when state is true; when state is
// false it clears the bit like CumulativeSet. Change detection behaves as in
// CumulativeSet.
func (b *ConcurrentBitMap) ExclusiveSet(index int, state bool, changed, notChanged func()) error {
	if err := checkIndex(index); err != nil {
		return err
	}
	b.set(func(current uint64) uint64 {
		if state {
			return 1 << index
		}
		return current &^ (1 << index)
	}, changed, notChanged)
	return nil
}

// Get reports the aggregate state: true if any bit is set.
func (b *ConcurrentBitMap) Get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits != 0
}

// UniqueIndex returns the index of the single set bit, or -1 when no bit is
// set. An error is returned when more than one bit is set.
func (b *ConcurrentBitMap) UniqueIndex() (int, error) {
	b.mu.Lock()
	state := b.bits
	b.mu.Unlock()

	if bits.OnesCount64(state) > 1 {
		return 0, fmt.Errorf("%w: multiple bits set", ErrInvalidState)
	}
	if state == 0 {
		return -1, nil
	}
	return bits.TrailingZeros64(state), nil
}

func (b *ConcurrentBitMap) set(op func(uint64) uint64, changed, notChanged func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.bits
	b.bits = op(old)
	if (b.bits != 0) != (old != 0) {
		if changed != nil {
			changed()
		}
	} else if notChanged != nil {
		notChanged()
	}
}

func checkIndex(index int) error {
	if index < 0 || index > MaxIndex {
		return fmt.Errorf("%w: index must be between 0 and %d: %d", ErrInvalidState, MaxIndex, index)
	}
	return nil
}
