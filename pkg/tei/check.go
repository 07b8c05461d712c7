package tei

import (
	"avaneesh/lapd-go/pkg/frame"
	"avaneesh/lapd-go/pkg/timer"
)

// check is one run of the duplicate check procedure. A check targets a
// single TEI, or every TEI when target is BroadcastTEI (an audit).
//
// Round 0: more than one response for a TEI removes it at once. Round 1:
// no response in either round frees the TEI, more than one response in
// round 1 removes it. Exactly one response leaves the assignment alone.
type check struct {
	target  uint8
	round   int
	counts  [2]map[uint8]int
	removed map[uint8]bool
	t201    *timer.Timer
}

func (c *check) covers(tei uint8) bool {
	return c.target == frame.BroadcastTEI || c.target == tei
}

// startCheck begins a check for target unless one is already running.
// Called with n.mu held.
func (n *Network) startCheck(target uint8) {
	if _, running := n.checks[target]; running {
		return
	}

	c := &check{
		target:  target,
		counts:  [2]map[uint8]int{make(map[uint8]int), make(map[uint8]int)},
		removed: make(map[uint8]bool),
	}
	c.t201 = timer.New("T201", n.cfg.Scheduler, n.cfg.T201, func(gen uint64) {
		n.onT201(c, gen)
	})
	n.checks[target] = c
	n.stats.Checks++
	n.emit(Event{Type: EventCheckStarted, TEI: target})

	n.send(frame.TEICheckRequest, 0, target)
	c.t201.Start()
}

func (n *Network) handleCheckResponse(m *frame.Management) {
	for _, tei := range m.Ai {
		if !isDynamic(tei) {
			continue
		}
		// A terminal still holds a TEI we consider free
		slot := tei - frame.MinDynamicTEI
		if !n.used[slot] {
			n.cfg.Logger.Warn("TEI network: check response for free TEI %d, marking used", tei)
			n.used[slot] = true
		}
		for _, c := range n.checks {
			if c.covers(tei) {
				c.counts[c.round][tei]++
			}
		}
	}
}

func (n *Network) onT201(c *check, gen uint64) {
	n.exec(func() {
		if n.checks[c.target] != c || !c.t201.Expired(gen) {
			return
		}
		if c.round == 0 {
			n.endRound0(c)
		} else {
			n.endRound1(c)
		}
	})
}

func (n *Network) endRound0(c *check) {
	for tei, count := range c.counts[0] {
		if count > 1 {
			n.cfg.Logger.Warn("TEI network: TEI %d answered %d times, removing", tei, count)
			n.remove(tei)
			c.removed[tei] = true
		}
	}
	if c.target != frame.BroadcastTEI && c.removed[c.target] {
		delete(n.checks, c.target)
		return
	}

	c.round = 1
	n.send(frame.TEICheckRequest, 0, c.target)
	c.t201.Start()
}

func (n *Network) endRound1(c *check) {
	delete(n.checks, c.target)

	var targets []uint8
	if c.target == frame.BroadcastTEI {
		for slot, u := range n.used {
			if u {
				targets = append(targets, frame.MinDynamicTEI+uint8(slot))
			}
		}
	} else {
		targets = []uint8{c.target}
	}

	for _, tei := range targets {
		if c.removed[tei] {
			continue
		}
		first, second := c.counts[0][tei], c.counts[1][tei]
		switch {
		case second > 1:
			n.cfg.Logger.Warn("TEI network: TEI %d answered %d times, removing", tei, second)
			n.remove(tei)
		case first == 0 && second == 0:
			n.cfg.Logger.Info("TEI network: TEI %d unanswered, reclaiming", tei)
			n.release(tei)
		}
	}
}
