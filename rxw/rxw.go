// Package rxw implements the receive window: reordering, gap detection,
// NAK scheduling, fragment reassembly and in-order APDU delivery. Unlike a
// TCP receiver, which can rely on cumulative ACKs, a PGM receiver must
// actively solicit retransmission, so every gap carries its own NAK timer
// state alongside the capacity-bounded reorder ring.
package rxw

import (
	"math/rand"
	"time"

	"github.com/charmbracelet/log"

	"github.com/YaoZengzeng/pgm/internal/metrics"
	"github.com/YaoZengzeng/pgm/internal/skb"
	"github.com/YaoZengzeng/pgm/pgmtime"
	"github.com/YaoZengzeng/pgm/serial"
)

var logger = log.With("component", "rxw")

// State is the lifecycle state of a ring slot.
type State int

const (
	StatePlaceholder State = iota
	StateError
	StateIncomplete
	StateData
	StateLost
	StateCommitted
)

// NakState is the NAK sub-state machine for a PLACEHOLDER slot:
// NAK_BACKOFF -> NAK_WAIT_NCF -> NAK_WAIT_DATA -> LOST.
type NakState int

const (
	NakBackoff NakState = iota
	NakWaitNcf
	NakWaitData
)

// ActionKind is what TimerTick asks the transport to realise on the wire.
type ActionKind int

const (
	ActionSendNak ActionKind = iota
	ActionDeclareLost
)

// NakAction is one timer-driven event the transport must act on.
type NakAction struct {
	Sqn    serial.Value
	Action ActionKind
}

// Delivery is one item produced by the commit scan: either a reassembled
// APDU (Fragments non-empty, Gap false) or a loss indicator (Gap true) for
// an unrecoverable sequence range, interleaved in sqn order so the
// application can detect loss without a reset.
type Delivery struct {
	FirstSqn  serial.Value
	Fragments [][]byte
	Gap       bool
}

type fragGroup struct {
	apduLen uint32
	lastSqn serial.Value
}

type entry struct {
	occupied bool
	state    State
	nak      NakState
	retries  int
	deadline pgmtime.Time
	buf      *skb.Buffer
	sqn      serial.Value
	firstSqn serial.Value
	apduLen  uint32
}

// Config configures a receive Window; all intervals are wall-clock durations
// converted internally to pgmtime microseconds.
type Config struct {
	MaxTPDU        int
	CapacitySqns   uint32
	NakBackoffIvl  time.Duration
	NakRptIvl      time.Duration
	NakRdataIvl    time.Duration
	NakDataRetries int
	NakNcfRetries  int

	// FragmentSize is the uniform payload size the source splits a large
	// APDU into; only the final fragment of a group may be shorter. It
	// determines how many sequences a fragment group spans, independent of
	// which of its fragments happens to arrive first. If zero, the payload
	// length of the group's first-seen fragment is used.
	FragmentSize int

	// Rand supplies NAK back-off jitter, drawn uniformly from
	// [0, NakBackoffIvl] so simultaneous receivers don't NAK in lockstep.
	// If nil, a source seeded from the current time is used.
	Rand *rand.Rand
}

func (c Config) backoffUs() uint64 { return uint64(c.NakBackoffIvl.Microseconds()) }
func (c Config) rptUs() uint64     { return uint64(c.NakRptIvl.Microseconds()) }
func (c Config) rdataUs() uint64   { return uint64(c.NakRdataIvl.Microseconds()) }

// Window is the receive window for a single peer.
type Window struct {
	ring        []entry
	capacity    uint32
	trail       serial.Value
	lead        serial.Value
	commitTrail serial.Value
	rxwTrail    serial.Value
	empty       bool
	cfg         Config
	rnd         *rand.Rand
	reassembly  map[serial.Value]fragGroup
	pending     []Delivery
	duplicates  int64
}

// New allocates a receive window per Config.
func New(cfg Config) *Window {
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Window{
		ring:       make([]entry, cfg.CapacitySqns),
		capacity:   cfg.CapacitySqns,
		empty:      true,
		cfg:        cfg,
		rnd:        rnd,
		reassembly: make(map[serial.Value]fragGroup),
	}
}

func (w *Window) slot(sqn serial.Value) uint32 {
	return uint32(sqn) % w.capacity
}

// Trail, Lead, CommitTrail report the window's current bounds.
func (w *Window) Trail() serial.Value       { return w.trail }
func (w *Window) Lead() serial.Value        { return w.lead }
func (w *Window) CommitTrail() serial.Value { return w.commitTrail }
func (w *Window) Duplicates() int64         { return w.duplicates }
func (w *Window) Capacity() uint32          { return w.capacity }
func (w *Window) IsEmpty() bool             { return w.empty }

// setCommitTrail advances commitTrail to x and, since nothing below commitTrail
// stays physically occupied, pulls trail forward to match if trail hadn't
// already been pushed ahead by a forced eviction. This keeps
// commitTrail <= trail <= lead intact in both the normal (commitTrail
// chases trail) and forced (trail jumps ahead, then commitTrail catches
// up) cases.
func (w *Window) setCommitTrail(x serial.Value) {
	w.commitTrail = x
	if serial.LessThan(w.trail, x) {
		w.trail = x
	}
}

func (w *Window) jitteredBackoff(now pgmtime.Time) pgmtime.Time {
	bo := w.cfg.backoffUs()
	if bo == 0 {
		return now
	}
	j := uint64(w.rnd.Int63n(int64(bo) + 1))
	return now + pgmtime.Time(j)
}

// Add is the primary insertion point. A sqn below trail is a duplicate or
// obsolete packet and is absorbed; one inside [trail, lead] fills its slot;
// one past lead advances the window, creating NAK-armed placeholders for
// every sequence skipped over.
func (w *Window) Add(buf *skb.Buffer, now pgmtime.Time) {
	s := buf.Sqn

	if w.empty {
		w.trail = s
		w.lead = s
		w.commitTrail = s
		w.empty = false
		w.store(s, buf)
		w.commitScan()
		return
	}

	if serial.LessThan(s, w.trail) {
		w.duplicates++
		metrics.RXWDuplicates.Inc()
		return
	}

	if serial.InRange(s, w.trail, w.lead) {
		w.fill(s, buf)
		return
	}

	// s > lead: the window must advance.
	w.advanceLead(s, buf, now)
}

func (w *Window) fill(s serial.Value, buf *skb.Buffer) {
	e := &w.ring[w.slot(s)]
	switch e.state {
	case StatePlaceholder:
		w.setEntryData(e, buf)
		w.commitScan()
	case StateLost:
		// Late arrival for an already-LOST slot: discard, do not un-lose.
		w.duplicates++
		metrics.RXWDuplicates.Inc()
	default:
		// Non-placeholder, non-lost: duplicate data. Does not refresh timers.
		w.duplicates++
		metrics.RXWDuplicates.Inc()
	}
}

func (w *Window) advanceLead(s serial.Value, buf *skb.Buffer, now pgmtime.Time) {
	span := serial.Distance(w.trail, s) + 1
	if span > w.capacity {
		w.forceAdvanceTrail(span - w.capacity)
	}

	for g := w.lead + 1; g != s; g++ {
		if serial.GreaterThanOrEqual(g, w.trail) {
			w.createPlaceholder(g, now)
		}
	}

	w.store(s, buf)
	w.lead = s
	w.commitScan()
}

func (w *Window) createPlaceholder(sqn serial.Value, now pgmtime.Time) {
	idx := w.slot(sqn)
	w.retireOccupant(idx)
	w.ring[idx] = entry{
		occupied: true,
		state:    StatePlaceholder,
		sqn:      sqn,
		nak:      NakBackoff,
		deadline: w.jitteredBackoff(now),
	}
}

func (w *Window) store(sqn serial.Value, buf *skb.Buffer) {
	idx := w.slot(sqn)
	w.retireOccupant(idx)
	e := &w.ring[idx]
	*e = entry{}
	w.setEntryData(e, buf)
}

func (w *Window) setEntryData(e *entry, buf *skb.Buffer) {
	payloadLen := uint32(len(buf.Data) - buf.PayloadOffset)
	e.occupied = true
	e.buf = buf
	e.sqn = buf.Sqn
	e.firstSqn = buf.FirstSqn
	e.apduLen = buf.ApduLen
	e.nak = 0

	if buf.ApduLen <= payloadLen {
		e.state = StateData
	} else {
		e.state = StateIncomplete
		w.ensureGroup(buf)
	}
}

func (w *Window) ensureGroup(buf *skb.Buffer) {
	if _, ok := w.reassembly[buf.FirstSqn]; ok {
		return
	}
	// Size the group from the sender's uniform fragment size, never from
	// the arriving fragment's own length: in a reorder buffer the short
	// final fragment can arrive first, and dividing by its length would
	// overstate the span and strand the group incomplete.
	fragSize := uint32(w.cfg.FragmentSize)
	if fragSize == 0 {
		fragSize = uint32(len(buf.Data) - buf.PayloadOffset)
	}
	if fragSize == 0 {
		return
	}
	nFragments := (buf.ApduLen + fragSize - 1) / fragSize
	if nFragments == 0 {
		nFragments = 1
	}
	w.reassembly[buf.FirstSqn] = fragGroup{
		apduLen: buf.ApduLen,
		lastSqn: serial.Add(buf.FirstSqn, nFragments-1),
	}
}

// retireOccupant releases whatever currently sits in ring[idx], if anything,
// before the slot is overwritten by a placeholder or new data. This is how
// capacity overflow evicts the oldest entries without leaking buffers.
func (w *Window) retireOccupant(idx uint32) {
	e := &w.ring[idx]
	if e.occupied && e.buf != nil {
		e.buf.Release()
	}
	*e = entry{}
}

// forceAdvanceTrail retires n entries from the trail forward when a burst
// leap in lead overflows capacity, declaring any not-yet-committed occupant
// LOST and surfacing a gap for it.
func (w *Window) forceAdvanceTrail(n uint32) {
	for i := uint32(0); i < n; i++ {
		if w.empty {
			return
		}
		sqn := w.trail
		idx := w.slot(sqn)
		e := &w.ring[idx]

		if w.commitTrail == sqn && e.occupied && e.state != StateCommitted {
			w.pending = append(w.pending, Delivery{FirstSqn: sqn, Gap: true})
			metrics.RXWLost.Inc()
		}
		if w.commitTrail == sqn {
			w.commitTrail = sqn + 1
		}

		delete(w.reassembly, sqn)
		w.retireOccupant(idx)
		w.trail++
	}
}

// UpdateTrail applies a peer-advertised trail: history below peerTrail has
// been discarded by the source, so local placeholders below it can never be
// filled and are declared LOST immediately rather than kept NAKing.
func (w *Window) UpdateTrail(peerTrail serial.Value) {
	w.rxwTrail = peerTrail
	if w.empty {
		return
	}
	for sqn := w.trail; serial.LessThan(sqn, peerTrail) && serial.LessThanOrEqual(sqn, w.lead); sqn++ {
		e := &w.ring[w.slot(sqn)]
		if e.occupied && e.sqn == sqn && e.state == StatePlaceholder {
			e.state = StateLost
			metrics.RXWLost.Inc()
		}
	}
	w.commitScan()
}

// checkGroup reports whether the fragment group starting at firstSqn is
// complete, declared lost, or malformed (ERROR), without mutating state.
func (w *Window) checkGroup(firstSqn serial.Value) (complete, lost, errGroup bool, lastSqn serial.Value) {
	g, ok := w.reassembly[firstSqn]
	if !ok {
		return false, false, false, firstSqn
	}
	lastSqn = g.lastSqn

	for sqn := firstSqn; ; sqn++ {
		e := &w.ring[w.slot(sqn)]
		if !e.occupied || e.sqn != sqn {
			return false, false, false, lastSqn
		}
		switch e.state {
		case StateLost:
			return false, true, false, lastSqn
		case StatePlaceholder:
			return false, false, false, lastSqn
		case StateError:
			return false, false, true, lastSqn
		case StateData, StateIncomplete:
			if e.firstSqn != firstSqn || e.apduLen != g.apduLen {
				return false, false, true, lastSqn
			}
		}
		if sqn == lastSqn {
			break
		}
	}
	return true, false, false, lastSqn
}

func (w *Window) collectGroupPayloads(firstSqn, lastSqn serial.Value) [][]byte {
	frags := make([][]byte, 0, serial.Distance(firstSqn, lastSqn)+1)
	for sqn := firstSqn; ; sqn++ {
		e := &w.ring[w.slot(sqn)]
		payload := append([]byte(nil), e.buf.Payload()...)
		frags = append(frags, payload)
		if sqn == lastSqn {
			break
		}
	}
	return frags
}

func (w *Window) releaseGroup(firstSqn, lastSqn serial.Value, markCommitted bool) {
	for sqn := firstSqn; ; sqn++ {
		e := &w.ring[w.slot(sqn)]
		if e.buf != nil {
			e.buf.Release()
			e.buf = nil
		}
		if markCommitted {
			e.state = StateCommitted
		}
		if sqn == lastSqn {
			break
		}
	}
	delete(w.reassembly, firstSqn)
}

// commitScan walks forward from commitTrail delivering whatever has become
// ready: while the next slot is DATA or a complete fragment group, move it
// to COMMITTED and queue it for the next Read.
func (w *Window) commitScan() {
	for {
		if w.empty || serial.GreaterThan(w.commitTrail, w.lead) {
			return
		}
		sqn := w.commitTrail
		e := &w.ring[w.slot(sqn)]
		if !e.occupied || e.sqn != sqn {
			return
		}

		switch e.state {
		case StatePlaceholder:
			return

		case StateLost:
			w.pending = append(w.pending, Delivery{FirstSqn: sqn, Gap: true})
			w.retireOccupant(w.slot(sqn))
			w.setCommitTrail(sqn + 1)

		case StateError:
			// Malformed contiguous run: absorbed silently, not surfaced.
			w.retireOccupant(w.slot(sqn))
			w.setCommitTrail(sqn + 1)

		case StateData:
			w.pending = append(w.pending, Delivery{
				FirstSqn:  e.firstSqn,
				Fragments: [][]byte{append([]byte(nil), e.buf.Payload()...)},
			})
			metrics.RXWDelivered.Inc()
			e.buf.Release()
			e.buf = nil
			e.state = StateCommitted
			w.setCommitTrail(sqn + 1)

		case StateIncomplete:
			complete, lost, errGroup, lastSqn := w.checkGroup(e.firstSqn)
			switch {
			case lost:
				w.pending = append(w.pending, Delivery{FirstSqn: e.firstSqn, Gap: true})
				w.releaseGroup(e.firstSqn, lastSqn, true)
				w.setCommitTrail(lastSqn + 1)
			case errGroup:
				w.releaseGroup(e.firstSqn, lastSqn, true)
				w.setCommitTrail(lastSqn + 1)
			case !complete:
				return
			default:
				frags := w.collectGroupPayloads(e.firstSqn, lastSqn)
				metrics.RXWDelivered.Inc()
				w.releaseGroup(e.firstSqn, lastSqn, true)
				w.pending = append(w.pending, Delivery{FirstSqn: e.firstSqn, Fragments: frags})
				w.setCommitTrail(lastSqn + 1)
			}

		default:
			return
		}
	}
}

// Read drains up to maxEntries committed deliveries in order, returning the
// deliveries and the total byte count across their fragments.
func (w *Window) Read(maxEntries int) ([]Delivery, int) {
	if maxEntries <= 0 || maxEntries > len(w.pending) {
		maxEntries = len(w.pending)
	}
	out := w.pending[:maxEntries]
	w.pending = w.pending[maxEntries:]

	total := 0
	for _, d := range out {
		for _, f := range d.Fragments {
			total += len(f)
		}
	}
	return out, total
}

// TimerTick walks due NAK timers, performs state transitions, and reports
// what the transport must do on the wire. The full NAK_BACKOFF ->
// NAK_WAIT_NCF -> NAK_WAIT_DATA -> LOST progression is timer-driven end to
// end here: a peer that never sends an NCF still reaches LOST after
// NakBackoffIvl + NakRptIvl*NakNcfRetries + NakRdataIvl*NakDataRetries.
func (w *Window) TimerTick(now pgmtime.Time) []NakAction {
	if w.empty {
		return nil
	}
	var actions []NakAction
	lostFired := false

	for sqn := w.trail; serial.LessThanOrEqual(sqn, w.lead); sqn++ {
		e := &w.ring[w.slot(sqn)]
		if !e.occupied || e.sqn != sqn || e.state != StatePlaceholder {
			continue
		}
		if now < e.deadline {
			continue
		}

		switch e.nak {
		case NakBackoff:
			e.nak = NakWaitNcf
			e.retries = 0
			e.deadline = now + pgmtime.Time(w.cfg.rptUs())
			actions = append(actions, NakAction{Sqn: sqn, Action: ActionSendNak})
			metrics.RXWNaksSent.Inc()

		case NakWaitNcf:
			e.retries++
			if e.retries >= w.cfg.NakNcfRetries {
				e.nak = NakWaitData
				e.retries = 0
				e.deadline = now + pgmtime.Time(w.cfg.rdataUs())
			} else {
				e.deadline = now + pgmtime.Time(w.cfg.rptUs())
				actions = append(actions, NakAction{Sqn: sqn, Action: ActionSendNak})
				metrics.RXWNaksSent.Inc()
			}

		case NakWaitData:
			e.retries++
			if e.retries >= w.cfg.NakDataRetries {
				e.state = StateLost
				actions = append(actions, NakAction{Sqn: sqn, Action: ActionDeclareLost})
				metrics.RXWLost.Inc()
				lostFired = true
			} else {
				e.deadline = now + pgmtime.Time(w.cfg.rdataUs())
			}
		}
	}

	if lostFired {
		w.commitScan()
	}
	return actions
}

// NextDeadline reports the earliest armed NAK timer deadline across the
// window's placeholders, so the transport can expose timer pressure to its
// caller's event loop.
func (w *Window) NextDeadline() (pgmtime.Time, bool) {
	if w.empty {
		return 0, false
	}
	var best pgmtime.Time
	found := false
	for sqn := w.trail; serial.LessThanOrEqual(sqn, w.lead); sqn++ {
		e := &w.ring[w.slot(sqn)]
		if !e.occupied || e.sqn != sqn || e.state != StatePlaceholder {
			continue
		}
		if !found || e.deadline < best {
			best = e.deadline
			found = true
		}
	}
	return best, found
}

// Pending reports how many committed deliveries Read would currently return.
func (w *Window) Pending() int {
	return len(w.pending)
}

// HandleNCF advances a placeholder's NAK state straight from WAIT_NCF to
// WAIT_DATA when the source confirms repair intent, short-circuiting the
// remaining WAIT_NCF retries.
func (w *Window) HandleNCF(sqn serial.Value, now pgmtime.Time) {
	if w.empty || !serial.InRange(sqn, w.trail, w.lead) {
		return
	}
	e := &w.ring[w.slot(sqn)]
	if e.occupied && e.sqn == sqn && e.state == StatePlaceholder && e.nak == NakWaitNcf {
		e.nak = NakWaitData
		e.retries = 0
		e.deadline = now + pgmtime.Time(w.cfg.rdataUs())
		logger.Debug("NCF received, entering wait-data", "sqn", sqn)
	}
}
