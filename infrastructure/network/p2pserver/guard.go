package p2pserver

import (
	"sync"

	"github.com/pkg/errors"
)

// guard serializes access to one shared structure. A panic that unwinds
// through a critical section poisons the guard, after which every
// acquisition fails with ErrGuardFailure.
//
// No code path holds two guards at once.
type guard struct {
	name     string
	mutex    sync.Mutex
	poisoned bool
}

func newGuard(name string) *guard {
	return &guard{name: name}
}

// newCond returns a condition variable bound to the guard. Wait may only be
// called from inside a critical section run by do; the guard is released
// while waiting and held again when Wait returns.
func (g *guard) newCond() *sync.Cond {
	return sync.NewCond(&g.mutex)
}

// do runs criticalSection while holding the guard.
func (g *guard) do(operation string, criticalSection func()) error {
	g.mutex.Lock()
	defer func() {
		if r := recover(); r != nil {
			g.poisoned = true
			g.mutex.Unlock()
			panic(r)
		}
		g.mutex.Unlock()
	}()

	if g.poisoned {
		return errors.Wrapf(ErrGuardFailure, "%s: %s", operation, g.name)
	}
	criticalSection()
	return nil
}
