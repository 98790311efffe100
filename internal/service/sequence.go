package service

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Sequence hands out ids for children and requests.
type Sequence interface {
	Next() string
}

// CounterSequence yields prefix1, prefix2, ...
type CounterSequence struct {
	prefix string
	n      atomic.Uint64
}

func NewCounterSequence(prefix string) *CounterSequence {
	return &CounterSequence{prefix: prefix}
}

func (s *CounterSequence) Next() string {
	return s.prefix + strconv.FormatUint(s.n.Add(1), 10)
}

// UUIDSequence yields random UUIDs.
type UUIDSequence struct{}

func (UUIDSequence) Next() string {
	return uuid.NewString()
}
