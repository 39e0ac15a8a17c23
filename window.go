package kored

import (
	"container/list"
	"sync"
	"time"
)

type restartRecord struct {
	Slot      int
	ExpiresAt time.Time
	Count     int
}

// restartLedger counts worker restarts per slot inside a sliding window,
// records age out once their window passes
type restartLedger struct {
	window  time.Duration
	records map[int]*list.Element
	order   *list.List
	mutex   sync.Mutex
}

func newRestartLedger(window time.Duration) *restartLedger {
	return &restartLedger{
		window:  window,
		records: make(map[int]*list.Element),
		order:   list.New(),
	}
}

// Record notes one restart for the slot and returns the count accumulated
// inside the current window
func (l *restartLedger) Record(slot int, now time.Time) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.removeExpired(now)

	if entry, ok := l.records[slot]; ok {
		rec := entry.Value.(*restartRecord)
		if rec.ExpiresAt.Before(now) {
			// window elapsed, start counting over
			rec.ExpiresAt = now.Add(l.window)
			rec.Count = 0
		}
		rec.Count++
		l.order.MoveToFront(entry)
		return rec.Count
	}

	rec := &restartRecord{Slot: slot, ExpiresAt: now.Add(l.window), Count: 1}
	l.records[slot] = l.order.PushFront(rec)
	return 1
}

// Count reports the restarts recorded for the slot in the current window
func (l *restartLedger) Count(slot int, now time.Time) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.removeExpired(now)

	if entry, ok := l.records[slot]; ok {
		rec := entry.Value.(*restartRecord)
		if rec.ExpiresAt.Before(now) {
			return 0
		}
		return rec.Count
	}
	return 0
}

// Forget drops the slot record, used when a slot leaves the pool
func (l *restartLedger) Forget(slot int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if entry, ok := l.records[slot]; ok {
		l.order.Remove(entry)
		delete(l.records, slot)
	}
}

// caller holds the mutex
func (l *restartLedger) removeExpired(now time.Time) {
	for l.order.Len() > 0 {
		rec := l.order.Back().Value.(*restartRecord)
		if rec.ExpiresAt.Before(now) {
			l.order.Remove(l.order.Back())
			delete(l.records, rec.Slot)
		} else {
			break
		}
	}
}
