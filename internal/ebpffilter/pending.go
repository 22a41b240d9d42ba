package ebpffilter

import (
	"time"

	"github.com/luxrun/lux/internal/event"
)

// pendingEvent is one eBPF event parked while its pid's ownership is
// unknown.
type pendingEvent struct {
	raw      event.RawEBPF
	enqueued time.Time
}

// pendingBuffer holds per-PID FIFO queues of events awaiting attribution,
// bounded per pid and in total. It exists for the startup race: the agent's
// first network activity routinely beats both the harness markers and the
// audit exec records that would prove its lineage.
//
// The buffer has no lock of its own: the Filter guards the buffer and the
// pid tree with one mutex, because draining re-checks ownership and a
// concurrent exec ingest could otherwise double-enqueue or lose the event.
type pendingBuffer struct {
	ttl       time.Duration
	maxPerPID int
	maxTotal  int

	queues map[int][]pendingEvent
	total  int
}

func newPendingBuffer(ttl time.Duration, maxPerPID, maxTotal int) *pendingBuffer {
	return &pendingBuffer{
		ttl:       ttl,
		maxPerPID: maxPerPID,
		maxTotal:  maxTotal,
		queues:    make(map[int][]pendingEvent),
	}
}

// push parks an event. Returns false when a bound is hit and the event must
// be dropped instead.
func (b *pendingBuffer) push(raw event.RawEBPF, now time.Time) bool {
	if b.total >= b.maxTotal || len(b.queues[raw.PID]) >= b.maxPerPID {
		return false
	}
	b.queues[raw.PID] = append(b.queues[raw.PID], pendingEvent{raw: raw, enqueued: now})
	b.total++
	return true
}

// depth reports how many events are parked for pid.
func (b *pendingBuffer) depth(pid int) int { return len(b.queues[pid]) }

// size reports the total parked events.
func (b *pendingBuffer) size() int { return b.total }

// drain pops every parked event for pids that resolve now, preserving each
// pid's FIFO order, and separately returns how many events expired. resolve
// is called once per pid; a pid that stays unresolved keeps its
// non-expired queue.
func (b *pendingBuffer) drain(now time.Time, resolve func(raw event.RawEBPF) bool) (ready []event.RawEBPF, expired int) {
	for pid, q := range b.queues {
		// TTL first, so a pid that resolves late does not replay stale
		// traffic from before the window.
		kept := q[:0]
		for _, p := range q {
			if b.ttl > 0 && now.Sub(p.enqueued) > b.ttl {
				expired++
				b.total--
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(b.queues, pid)
			continue
		}

		if resolve(kept[0].raw) {
			for _, p := range kept {
				ready = append(ready, p.raw)
			}
			b.total -= len(kept)
			delete(b.queues, pid)
			continue
		}
		b.queues[pid] = kept
	}
	return ready, expired
}
