package auditlog

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Group is the set of audit records sharing one sequence number — one
// logical kernel event.
type Group struct {
	// Seq is the shared sequence number.
	Seq uint64
	// Time is the kernel timestamp of the first record seen for this group.
	Time time.Time
	// Records holds the group's records in arrival order.
	Records []Record

	// lastAdd is the wall-clock arrival time of the most recent record,
	// used by the flush timeout.
	lastAdd time.Time
}

// First returns the first record of the given type, or nil.
func (g *Group) First(typ string) *Record {
	for i := range g.Records {
		if g.Records[i].Type == typ {
			return &g.Records[i]
		}
	}
	return nil
}

// All returns every record of the given type in arrival order.
func (g *Group) All(typ string) []Record {
	var out []Record
	for _, r := range g.Records {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

// Argv reassembles the EXECVE argv for this group. The kernel emits argc and
// a0…aN fields; arguments too long for one record are split into aN[0],
// aN[1], … continuation segments which are concatenated here. Returns nil if
// the group carries no EXECVE record.
func (g *Group) Argv() []string {
	execs := g.All("EXECVE")
	if len(execs) == 0 {
		return nil
	}

	type part struct {
		seg int
		val string
	}
	parts := make(map[int][]part)
	maxIdx := -1
	for _, rec := range execs {
		for key, val := range rec.Fields {
			m := execArgRe.FindStringSubmatch(key)
			if m == nil {
				continue
			}
			idx, _ := strconv.Atoi(m[1])
			seg := 0
			if m[3] != "" {
				seg, _ = strconv.Atoi(m[3])
			}
			parts[idx] = append(parts[idx], part{seg: seg, val: val})
			if idx > maxIdx {
				maxIdx = idx
			}
		}
	}
	if maxIdx < 0 {
		return []string{}
	}

	argv := make([]string, 0, maxIdx+1)
	for i := 0; i <= maxIdx; i++ {
		segs := parts[i]
		sort.Slice(segs, func(a, b int) bool { return segs[a].seg < segs[b].seg })
		var arg string
		for _, s := range segs {
			arg += s.val
		}
		argv = append(argv, arg)
	}
	return argv
}

// ShellJoin renders argv as a single copy-pasteable command line, quoting
// arguments that contain whitespace or shell metacharacters.
func ShellJoin(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$&|;<>(){}*?") {
			parts[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

// Grouper accumulates records into groups keyed by sequence number and
// decides when a group is complete. Completion triggers, per the audit
// stream's semantics:
//
//   - a record with a higher sequence arrives (the kernel emits one event's
//     records contiguously, so a new sequence closes all lower ones);
//   - no record has joined the group for FlushTimeout (follow mode);
//   - Drain is called at oneshot end-of-file.
//
// A record whose sequence was already completed reopens nothing: it starts a
// fresh group, so a torn rotation boundary degrades to two partial events
// rather than corrupting one.
//
// Grouper is not safe for concurrent use; each stage owns exactly one.
type Grouper struct {
	// FlushTimeout is the idle interval after which an open group is
	// considered complete in follow mode.
	FlushTimeout time.Duration

	open map[uint64]*Group
}

// NewGrouper returns a Grouper with the given idle flush timeout.
func NewGrouper(flushTimeout time.Duration) *Grouper {
	return &Grouper{
		FlushTimeout: flushTimeout,
		open:         make(map[uint64]*Group),
	}
}

// Add appends rec to its group and returns any groups completed by its
// arrival, in ascending sequence order. now is the arrival wall-clock time.
func (gr *Grouper) Add(rec Record, now time.Time) []*Group {
	g, ok := gr.open[rec.Seq]
	if !ok {
		g = &Group{Seq: rec.Seq, Time: rec.Time}
		gr.open[rec.Seq] = g
	}
	g.Records = append(g.Records, rec)
	g.lastAdd = now

	// Close every open group with a lower sequence.
	var done []*Group
	for seq, og := range gr.open {
		if seq < rec.Seq {
			done = append(done, og)
			delete(gr.open, seq)
		}
	}
	sortGroups(done)
	return done
}

// Flush returns open groups idle for longer than FlushTimeout as of now.
func (gr *Grouper) Flush(now time.Time) []*Group {
	if gr.FlushTimeout <= 0 {
		return nil
	}
	var done []*Group
	for seq, g := range gr.open {
		if now.Sub(g.lastAdd) >= gr.FlushTimeout {
			done = append(done, g)
			delete(gr.open, seq)
		}
	}
	sortGroups(done)
	return done
}

// Drain returns every open group and leaves the Grouper empty. Used at
// oneshot end-of-file.
func (gr *Grouper) Drain() []*Group {
	done := make([]*Group, 0, len(gr.open))
	for seq, g := range gr.open {
		done = append(done, g)
		delete(gr.open, seq)
	}
	sortGroups(done)
	return done
}

// Pending reports the number of open (incomplete) groups.
func (gr *Grouper) Pending() int { return len(gr.open) }

func sortGroups(gs []*Group) {
	sort.Slice(gs, func(a, b int) bool { return gs[a].Seq < gs[b].Seq })
}
