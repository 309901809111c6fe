// Package pool holds sync.Pool backed helpers shared by the server and client.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a timer for the given duration d from the pool.
//
// Return back the timer to the pool with PutTimer.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer)
		if t.Reset(d) {
			// timer was still active, drain a stale tick
			select {
			case <-t.C:
			default:
			}
		}

		return t
	}

	return time.NewTimer(d)
}

// PutTimer returns timer to the pool.
//
// t cannot be accessed after returning to the pool.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
