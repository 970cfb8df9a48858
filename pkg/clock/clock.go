// Package clock implements a hybrid logical clock (HLC).
//
// Timestamps are fixed-width strings so plain string comparison gives the
// total order:
//
//	VVVV:WWWWWWWWWWWWWWW:CCCCC:node
//
// V is the schema version that produced the timestamp, W is wall-clock
// milliseconds, C is a logical counter and node is the issuing replica id.
// Two rules govern the clock, as for Lamport clocks:
//
//	Local event: take max(own, physical now); if unchanged bump the counter.
//	Receipt:     merge the received wall time and counter, then bump.
//
// Putting the schema version first means an operation produced after a
// schema migration always sorts after any operation produced before it.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	versionWidth = 4
	wallWidth    = 15
	counterWidth = 5
	sep          = ":"
)

// Timestamp is a decoded HLC timestamp.
type Timestamp struct {
	Version int
	Wall    int64
	Counter int
	Node    string
}

// String encodes the timestamp in its sortable form.
func (t Timestamp) String() string {
	return fmt.Sprintf("%0*d%s%0*d%s%0*d%s%s",
		versionWidth, t.Version, sep,
		wallWidth, t.Wall, sep,
		counterWidth, t.Counter, sep,
		t.Node)
}

// Parse decodes an encoded timestamp.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, sep, 4)
	if len(parts) != 4 {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
	}
	v, err := strconv.Atoi(parts[0])
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp version %q: %w", s, err)
	}
	w, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp wall time %q: %w", s, err)
	}
	c, err := strconv.Atoi(parts[2])
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp counter %q: %w", s, err)
	}
	return Timestamp{Version: v, Wall: w, Counter: c, Node: parts[3]}, nil
}

// SchemaVersion returns the schema version encoded in ts, or 0 when ts
// cannot be parsed.
func SchemaVersion(ts string) int {
	if len(ts) < versionWidth {
		return 0
	}
	v, err := strconv.Atoi(ts[:versionWidth])
	if err != nil {
		return 0
	}
	return v
}

// Clock is a hybrid logical clock. It is safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	node    string
	wall    int64
	counter int
	now     func() time.Time
}

// New returns a clock issuing timestamps for node.
func New(node string) *Clock {
	return &Clock{node: node, now: time.Now}
}

// NewWithSource returns a clock reading physical time from now. Used by
// tests to freeze or step time.
func NewWithSource(node string, now func() time.Time) *Clock {
	return &Clock{node: node, now: now}
}

// Node returns the node id stamped on issued timestamps.
func (c *Clock) Node() string { return c.node }

// Now issues a new timestamp for a local event under schema version.
func (c *Clock) Now(version int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	phys := c.now().UnixMilli()
	if phys > c.wall {
		c.wall = phys
		c.counter = 0
	} else {
		c.counter++
	}
	return Timestamp{Version: version, Wall: c.wall, Counter: c.counter, Node: c.node}.String()
}

// Update merges a timestamp observed on the wire so the next local
// timestamp is causally after it. Unparsable input is ignored.
func (c *Clock) Update(received string) {
	r, err := Parse(received)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	phys := c.now().UnixMilli()
	switch {
	case phys > c.wall && phys > r.Wall:
		c.wall = phys
		c.counter = 0
	case r.Wall > c.wall:
		c.wall = r.Wall
		c.counter = r.Counter + 1
	case r.Wall == c.wall:
		if r.Counter > c.counter {
			c.counter = r.Counter
		}
		c.counter++
	default:
		c.counter++
	}
}

// Zero returns the smallest timestamp for version, sorting before every
// timestamp a clock can issue in that version.
func Zero(version int) string {
	return Timestamp{Version: version}.String()
}

// Less reports whether timestamp a sorts before b.
func Less(a, b string) bool { return a < b }

// Max returns the larger of two timestamps.
func Max(a, b string) string {
	if a > b {
		return a
	}
	return b
}
