// Package window holds the bounded, time-ordered buffer of recent reposts used
// for proximity detection. Expiry is measured in event time, never wall-clock,
// so a replay produces the same window as the live run.
package window

import (
	"time"

	"github.com/tidwall/btree"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

type item struct {
	entry schemas.WindowEntry
	seq   uint64
}

func byTime(a, b item) bool {
	if !a.entry.Timestamp.Equal(b.entry.Timestamp) {
		return a.entry.Timestamp.Before(b.entry.Timestamp)
	}
	return a.seq < b.seq
}

// Window is not safe for concurrent use; the graph store owns it and guards it
// with its own lock.
type Window struct {
	expiry   time.Duration
	capacity int

	items     *btree.BTreeG[item]
	seq       uint64
	highWater time.Time

	dropped uint64
	expired uint64
}

// New creates a window retaining entries for expiry (event time), holding at most capacity entries.
func New(expiry time.Duration, capacity int) *Window {
	return &Window{
		expiry:   expiry,
		capacity: capacity,
		items:    btree.NewBTreeGOptions(byTime, btree.Options{NoLocks: true}),
	}
}

// Insert adds a repost. Entries are kept ordered by event time even when they
// arrive slightly out of order. It returns false if the entry is already older
// than the expiry horizon. Expired entries are purged oldest first, then the
// oldest entries are dropped while the window is over capacity.
func (w *Window) Insert(e schemas.WindowEntry) bool {
	if e.Timestamp.After(w.highWater) {
		w.highWater = e.Timestamp
	}
	w.purge()
	if e.Timestamp.Before(w.LowWaterMark()) {
		return false
	}

	w.seq++
	w.items.Set(item{entry: e, seq: w.seq})

	for w.items.Len() > w.capacity {
		w.items.PopMin()
		w.dropped++
	}
	return true
}

// Advance moves the high-water mark forward without inserting and purges
// expired entries. Used when non-repost events move event time along.
func (w *Window) Advance(at time.Time) {
	if at.After(w.highWater) {
		w.highWater = at
		w.purge()
	}
}

// purge removes entries older than the low-water-mark, in time order.
func (w *Window) purge() {
	lowWater := w.LowWaterMark()
	for {
		oldest, ok := w.items.Min()
		if !ok || !oldest.entry.Timestamp.Before(lowWater) {
			return
		}
		w.items.PopMin()
		w.expired++
	}
}

// LowWaterMark is the oldest event time the window still retains. It is the
// zero time until the first event has been observed.
func (w *Window) LowWaterMark() time.Time {
	if w.highWater.IsZero() {
		return time.Time{}
	}
	return w.highWater.Add(-w.expiry)
}

// HighWaterMark is the newest event time observed.
func (w *Window) HighWaterMark() time.Time {
	return w.highWater
}

// View returns the entries visible at asOf: not expired relative to asOf and
// not newer than cutoff. The returned slice is a copy in time order.
func (w *Window) View(asOf, cutoff time.Time) schemas.WindowView {
	from := asOf.Add(-w.expiry)
	view := schemas.WindowView{Expiry: w.expiry, LowWaterMark: from}
	w.items.Scan(func(it item) bool {
		if it.entry.Timestamp.After(cutoff) {
			return false
		}
		if !it.entry.Timestamp.Before(from) {
			view.Entries = append(view.Entries, it.entry)
		}
		return true
	})
	return view
}

// Len reports the number of retained entries.
func (w *Window) Len() int { return w.items.Len() }

// Dropped reports how many entries were evicted early due to capacity.
func (w *Window) Dropped() uint64 { return w.dropped }

// Expired reports how many entries aged out normally.
func (w *Window) Expired() uint64 { return w.expired }
