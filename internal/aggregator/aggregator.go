// Package aggregator glues media-group fragments back into a single message.
package aggregator

import (
	"sync"
	"time"

	"quest-bot/internal/metrics"
	"quest-bot/internal/models"
)

type group struct {
	msgs  []models.Message
	timer *time.Timer
	gen   uint64
}

// Aggregator buffers fragments that share a group id until no new fragment
// arrives for the window, then delivers them merged.
type Aggregator struct {
	window  time.Duration
	deliver func(models.Message)

	mu     sync.Mutex
	groups map[string]*group
	gen    uint64
}

func New(window time.Duration, deliver func(models.Message)) *Aggregator {
	return &Aggregator{window: window, deliver: deliver, groups: map[string]*group{}}
}

// Add delivers msg right away when groupID is empty; otherwise it restarts the group's timer.
func (a *Aggregator) Add(groupID string, msg models.Message) {
	if groupID == "" {
		a.deliver(msg)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.groups[groupID]
	if !ok {
		g = &group{}
		a.groups[groupID] = g
	}
	g.msgs = append(g.msgs, msg)
	if g.timer != nil {
		g.timer.Stop()
	}
	a.gen++
	gen := a.gen
	g.gen = gen
	g.timer = time.AfterFunc(a.window, func() { a.expire(groupID, gen) })
}

func (a *Aggregator) expire(groupID string, gen uint64) {
	a.mu.Lock()
	g, ok := a.groups[groupID]
	if !ok || g.gen != gen {
		// a newer fragment re-armed the group, or Flush took it
		a.mu.Unlock()
		return
	}
	delete(a.groups, groupID)
	a.mu.Unlock()

	a.deliver(merge(g.msgs))
}

// Flush delivers every pending group now. Timers that fire afterwards find nothing.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	pending := make([][]models.Message, 0, len(a.groups))
	for id, g := range a.groups {
		g.timer.Stop()
		pending = append(pending, g.msgs)
		delete(a.groups, id)
	}
	a.mu.Unlock()

	for _, msgs := range pending {
		a.deliver(merge(msgs))
	}
}

// Pending returns the number of groups waiting for their window to close.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// merge keeps the first fragment's text, sender and meta and concatenates every attachment.
func merge(msgs []models.Message) models.Message {
	metrics.AggregatedGroups.Inc()
	out := msgs[0].Copy()
	for _, m := range msgs[1:] {
		out.Files = append(out.Files, m.Files...)
	}
	return out
}
