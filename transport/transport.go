// Package transport implements the PGM transport: it owns the socket, one
// transmit window, a tsi-keyed map of peers (each with its own receive
// window), and the timers that drive NAK scheduling, SPM heartbeats and
// peer expiry. One Transport is one session endpoint in PGM's
// one-sender-many-peers topology, translating between wire packets and
// window state.
package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/YaoZengzeng/pgm/buffer"
	"github.com/YaoZengzeng/pgm/internal/metrics"
	"github.com/YaoZengzeng/pgm/internal/pgmerr"
	"github.com/YaoZengzeng/pgm/internal/portalloc"
	"github.com/YaoZengzeng/pgm/internal/skb"
	"github.com/YaoZengzeng/pgm/internal/slab"
	"github.com/YaoZengzeng/pgm/internal/tmutex"
	"github.com/YaoZengzeng/pgm/internal/transportcfg"
	"github.com/YaoZengzeng/pgm/internal/waiter"
	"github.com/YaoZengzeng/pgm/internal/wire"
	"github.com/YaoZengzeng/pgm/pgmtime"
	"github.com/YaoZengzeng/pgm/rxw"
	"github.com/YaoZengzeng/pgm/serial"
	"github.com/YaoZengzeng/pgm/tsi"
	"github.com/YaoZengzeng/pgm/txw"
)

var logger = log.With("component", "transport")

// errWouldBlock is returned by a Socket.ReadFrom implementation when no
// datagram is currently available; it is never surfaced to callers of
// RecvMsgV directly, only used internally to distinguish "nothing to read"
// from a genuine IO error.
var errWouldBlock = errors.New("transport: socket read would block")

// defaultSPMAmbientIvlUs is the default interval between unsolicited SPM
// heartbeats advertising the transmit window's trail and lead.
const defaultSPMAmbientIvlUs = uint64(1_000_000)

// Transport is the core PGM transport state machine: CREATED -> BOUND ->
// CLOSED. All window mutations happen on the caller's dispatch thread;
// there is no internal goroutine.
type Transport struct {
	mu    sync.Mutex
	state State

	opts     transportcfg.Options
	identity tsi.TSI

	txw    *txw.Window
	bucket *tokenBucket

	peers    map[tsi.TSI]*peer
	peerPool *slab.Pool[peer]

	socket    Socket
	groupAddr *net.UDPAddr
	sendLock  tmutex.Mutex
	waiters   waiter.Queue

	spmLastSent   pgmtime.Time
	spmAmbientIvl uint64
}

// Create allocates a Transport in the CREATED state with opts.
func Create(opts transportcfg.Options, now pgmtime.Time) (*Transport, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	w, err := txw.New(txw.Config{
		MaxTPDU:            opts.MaxTPDU,
		WindowSqns:         opts.TxwSqns,
		WindowSecs:         opts.TxwSecs,
		MaxRateBytesPerSec: opts.TxwMaxRteBytes,
		PreallocateSize:    opts.TxwSqns,
	})
	if err != nil {
		return nil, err
	}

	t := &Transport{
		state:         StateCreated,
		opts:          opts,
		identity:      tsi.New(tsi.NewGSIFromHost(), 0),
		txw:           w,
		peers:         make(map[tsi.TSI]*peer),
		peerPool:      newPeerPool(),
		spmAmbientIvl: defaultSPMAmbientIvlUs,
	}
	t.sendLock.Init()
	if opts.TxwMaxRteBytes > 0 {
		t.bucket = newTokenBucket(opts.TxwMaxRteBytes, now)
	}

	logger.Debug("transport created", "identity", t.identity.String())
	return t, nil
}

// Identity returns this transport's own TSI, stable once assigned.
func (t *Transport) Identity() tsi.TSI {
	return t.identity
}

// State reports the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Bind moves CREATED -> BOUND, opening the multicast socket and picking an
// ephemeral source port if cfg.Port is zero. Options are fixed by Create;
// Transport has no option setters, before or after Bind.
func (t *Transport) Bind(cfg BindConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateCreated {
		return pgmerr.ErrInvalidState
	}
	cfg.Hops = orDefault(cfg.Hops, t.opts.Hops)
	cfg.MulticastLoop = t.opts.MulticastLoop

	if cfg.Port == 0 {
		port, err := portalloc.Pick(func(p uint16) (bool, error) {
			probe := cfg
			probe.Port = int(p)
			sock, err := newMulticastSocket(probe)
			if err != nil {
				return false, nil
			}
			sock.Close()
			return true, nil
		})
		if err != nil {
			return err
		}
		cfg.Port = int(port)
	}

	sock, err := newMulticastSocket(cfg)
	if err != nil {
		return err
	}

	t.socket = sock
	t.groupAddr = &net.UDPAddr{IP: cfg.Group, Port: cfg.Port}
	t.identity = tsi.New(t.identity.GSI, uint16(cfg.Port))
	t.state = StateBound

	logger.Debug("transport bound", "group", cfg.Group.String(), "port", cfg.Port)
	return nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// gsiWire narrows a core 8-byte GSI (top two bytes reserved zero) to the
// 6-byte form carried on the wire.
func gsiWire(g tsi.GSI) [6]byte {
	var w [6]byte
	copy(w[:], g[2:])
	return w
}

// Send pushes data into the transmit window, encodes it as ODATA, and
// writes it to the group. An APDU larger than a single TPDU's payload is
// split into fragments carrying first_sqn/apdu_len options, each pushed
// and sent in turn under one sequence-number run.
func (t *Transport) Send(data []byte, now pgmtime.Time) (Status, error) {
	t.mu.Lock()
	if t.state != StateBound {
		t.mu.Unlock()
		return StatusError, pgmerr.ErrInvalidState
	}
	t.mu.Unlock()

	single := len(data) <= t.opts.MaxTPDU-wire.CommonHeaderSize-wire.DataHeaderSize

	fragSize := t.opts.MaxTPDU - wire.CommonHeaderSize - wire.DataHeaderSize - wire.DataFragmentExtra
	if fragSize <= 0 {
		return StatusError, pgmerr.ErrTooLarge
	}
	nFragments := 1
	if !single {
		nFragments = (len(data) + fragSize - 1) / fragSize
	}
	if uint32(nFragments) > t.txw.Capacity() {
		// A group wider than the window could never be retained whole for
		// repair, so it is refused rather than sent unrepairable.
		return StatusError, pgmerr.ErrTooLarge
	}

	wireBytes := len(data) + nFragments*(wire.CommonHeaderSize+wire.DataHeaderSize)
	if !single {
		wireBytes += nFragments * wire.DataFragmentExtra
	}
	if t.bucket != nil && !t.bucket.Allow(wireBytes, now) {
		return StatusRateLimited, nil
	}

	if t.opts.Nonblocking {
		if !t.sendLock.TryLock() {
			return StatusAgain, nil
		}
	} else {
		t.sendLock.Lock()
	}
	defer t.sendLock.Unlock()

	if single {
		sqn, err := t.txw.PushCopy(data)
		if err != nil {
			return StatusError, err
		}
		frame := t.encodeData(wire.TypeODATA, sqn, data, false, sqn, uint32(len(data)))
		if _, err := t.socket.WriteTo(frame, t.groupAddr); err != nil {
			return StatusError, err
		}
		return StatusNormal, nil
	}

	firstSqn := t.txw.NextLead()
	apduLen := uint32(len(data))
	for off := 0; off < len(data); off += fragSize {
		end := off + fragSize
		if end > len(data) {
			end = len(data)
		}
		sqn, err := t.txw.PushCopyFragment(data[off:end], firstSqn, apduLen)
		if err != nil {
			return StatusError, err
		}
		frame := t.encodeData(wire.TypeODATA, sqn, data[off:end], true, firstSqn, apduLen)
		if _, err := t.socket.WriteTo(frame, t.groupAddr); err != nil {
			return StatusError, err
		}
	}
	return StatusNormal, nil
}

// encodeData builds one ODATA/RDATA frame around payload, prepending the
// type-specific body then the common header in front of it.
func (t *Transport) encodeData(typ wire.Type, sqn serial.Value, payload []byte, fragment bool, firstSqn serial.Value, apduLen uint32) []byte {
	bodySize := wire.DataHeaderSize
	if fragment {
		bodySize += wire.DataFragmentExtra
	}
	pre := buffer.NewPrependable(wire.CommonHeaderSize + bodySize + len(payload))
	copy(pre.Prepend(len(payload)), payload)
	body := wire.Data(pre.Prepend(bodySize))
	body.SetSqn(sqn)
	body.SetTrail(t.txw.Trail())
	if fragment {
		body.SetFirstSqn(firstSqn)
		body.SetApduLen(apduLen)
	}
	hdr := wire.Header(pre.Prepend(wire.CommonHeaderSize))
	hdr.SetSourcePort(t.identity.SPort)
	hdr.SetType(typ)
	if fragment {
		hdr.SetOptions(wire.OptFragment)
	}
	hdr.SetGSI(gsiWire(t.identity.GSI))
	hdr.SetTSDULength(uint16(len(payload)))
	return pre.UsedBytes()
}

// RecvMsgV drains incoming packets from the socket, dispatches them into the
// appropriate peer state, and returns up to maxEntries committed APDUs as a
// msgv batch plus their total byte count. Loss indications (MsgV.Gap) are
// interleaved with data in sequence order. A would-block result is AGAIN2
// instead of AGAIN when any peer has a NAK or SPM-request timer armed, in
// which case the caller should consult TimerPending for the remaining time.
func (t *Transport) RecvMsgV(maxEntries int, now pgmtime.Time) (Status, []MsgV, int, error) {
	t.mu.Lock()
	if t.state != StateBound {
		t.mu.Unlock()
		return StatusError, nil, 0, pgmerr.ErrInvalidState
	}
	socket := t.socket
	t.mu.Unlock()

	buf := make([]byte, t.opts.MaxTPDU)
	for {
		n, _, err := socket.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				break
			}
			return StatusError, nil, 0, err
		}
		t.handlePacket(buf[:n], now)
	}

	out := make([]MsgV, 0, maxEntries)
	bytes := 0
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		if p.reset {
			p.reset = false
			return StatusReset, out, bytes, nil
		}
		if len(out) >= maxEntries {
			break
		}
		deliveries, n := p.rxw.Read(maxEntries - len(out))
		for _, d := range deliveries {
			out = append(out, MsgV{
				TSI:       id,
				FirstSqn:  d.FirstSqn,
				Fragments: d.Fragments,
				Gap:       d.Gap,
			})
		}
		bytes += n
	}

	if len(out) == 0 {
		if _, pressure := t.peerDeadlineLocked(); pressure {
			return StatusAgain2, out, 0, nil
		}
		return StatusAgain, out, 0, nil
	}
	return StatusNormal, out, bytes, nil
}

// peerDeadlineLocked returns the earliest NAK or SPM-request deadline
// across all peers. Caller holds t.mu.
func (t *Transport) peerDeadlineLocked() (pgmtime.Time, bool) {
	var best pgmtime.Time
	found := false
	consider := func(d pgmtime.Time) {
		if !found || d < best {
			best = d
			found = true
		}
	}
	for _, p := range t.peers {
		if d, ok := p.rxw.NextDeadline(); ok {
			consider(d)
		}
		if !p.sawSPM && p.spmrDeadline != 0 {
			consider(p.spmrDeadline)
		}
	}
	return best, found
}

// TimerPending reports the next deadline TimerTick must run by: the
// earliest of any peer's NAK/SPM-request timers, the ambient SPM heartbeat,
// and the soonest peer expiry. This is the transport's poll_info surface
// together with Fd: callers wait on the readable fd and this deadline.
func (t *Transport) TimerPending() (pgmtime.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	best, found := t.peerDeadlineLocked()
	consider := func(d pgmtime.Time) {
		if !found || d < best {
			best = d
			found = true
		}
	}
	if t.state == StateBound {
		consider(t.spmLastSent + pgmtime.Time(t.spmAmbientIvl))
	}
	if expiry := uint64(t.opts.PeerExpiry.Microseconds()); expiry > 0 {
		for _, p := range t.peers {
			consider(p.lastPacketTime + pgmtime.Time(expiry))
		}
	}
	return best, found
}

// RateRemaining returns how many microseconds must elapse before n more
// bytes would pass the send rate limiter; zero when unthrottled.
func (t *Transport) RateRemaining(n int, now pgmtime.Time) uint64 {
	if t.bucket == nil {
		return 0
	}
	return t.bucket.Remaining(n, now)
}

func (t *Transport) handlePacket(data []byte, now pgmtime.Time) {
	if len(data) < wire.CommonHeaderSize {
		return
	}
	hdr := wire.Header(data)
	id := hdr.TSI()
	if id.Equal(t.identity) {
		return
	}

	switch hdr.Type() {
	case wire.TypeODATA, wire.TypeRDATA:
		body := wire.Data(hdr.Body())
		hasFrag := hdr.Options()&wire.OptFragment != 0
		payload := body.Payload(hasFrag)

		p := t.getOrCreatePeer(id, now)
		p.lastPacketTime = now

		if p.checkReset(body.Sqn()) {
			p.reset = true
			t.waiters.Notify(waiter.EventReset)
			p.rxw = rxw.New(t.rxwConfig())
		}

		sb := skbFromWire(body, payload, hasFrag)
		p.rxw.Add(sb, now)
		if p.rxw.Pending() > 0 {
			t.waiters.Notify(waiter.EventReadable)
		}

	case wire.TypeNCF:
		// Peers come into being on data or SPM only; a stray NCF from an
		// unknown source confirms nothing we asked for.
		t.mu.Lock()
		p, ok := t.peers[id]
		t.mu.Unlock()
		if ok {
			p.lastPacketTime = now
			p.rxw.HandleNCF(wire.NCF(hdr.Body()).Sqn(), now)
		}

	case wire.TypeSPM:
		spm := wire.SPM(hdr.Body())
		p := t.getOrCreatePeer(id, now)
		p.lastPacketTime = now
		p.sawSPM = true
		p.spmrDeadline = 0
		p.rxw.UpdateTrail(spm.Trail())
		if p.rxw.Pending() > 0 {
			t.waiters.Notify(waiter.EventReadable)
		}

	case wire.TypeNAK:
		// NAKs and SPM requests carry the GSI of the source they solicit;
		// only that source answers.
		if hdr.GSI() != gsiWire(t.identity.GSI) {
			return
		}
		t.handleNAK(wire.NAK(hdr.Body()).Sqn(), now)

	case wire.TypeSPMR:
		if hdr.GSI() != gsiWire(t.identity.GSI) {
			return
		}
		t.mu.Lock()
		if t.state == StateBound {
			t.sendSPMLocked(now)
		}
		t.mu.Unlock()
	}
}

// skbFromWire copies a received packet's payload into an owned skb.Buffer
// carrying the sequencing metadata rxw.Window.Add needs. The copy keeps the
// window's retained buffers independent of the shared read buffer reused
// across RecvMsgV's drain loop.
func skbFromWire(body wire.Data, payload []byte, hasFrag bool) *skb.Buffer {
	owned := append([]byte(nil), payload...)
	b := skb.New(owned, nil)
	b.Sqn = body.Sqn()
	if hasFrag {
		b.FirstSqn = body.FirstSqn()
		b.ApduLen = body.ApduLen()
	} else {
		b.FirstSqn = b.Sqn
		b.ApduLen = uint32(len(owned))
	}
	return b
}

// rxwConfig builds a peer receive-window configuration from the transport
// options. FragmentSize mirrors what Send splits a large APDU into, so the
// receive side can bound a fragment group's span regardless of which of
// its fragments arrives first.
func (t *Transport) rxwConfig() rxw.Config {
	return rxw.Config{
		MaxTPDU:        t.opts.MaxTPDU,
		FragmentSize:   t.opts.MaxTPDU - wire.CommonHeaderSize - wire.DataHeaderSize - wire.DataFragmentExtra,
		CapacitySqns:   t.opts.RxwSqns,
		NakBackoffIvl:  t.opts.NakBackoffIvl,
		NakRptIvl:      t.opts.NakRptIvl,
		NakRdataIvl:    t.opts.NakRdataIvl,
		NakDataRetries: t.opts.NakDataRetries,
		NakNcfRetries:  t.opts.NakNcfRetries,
	}
}

func (t *Transport) getOrCreatePeer(id tsi.TSI, now pgmtime.Time) *peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = newPeer(t.peerPool, id, t.rxwConfig(), now)
		if t.opts.SpmrExpiry > 0 {
			p.spmrDeadline = now + pgmtime.Time(t.opts.SpmrExpiry.Microseconds())
		}
		t.peers[id] = p
	}
	return p
}

// handleNAK confirms a receiver's loss report with an NCF, then retransmits
// sqn from our own transmit window as RDATA, if it is still held; outside
// the window the loss is the receiver's problem (it has already fallen too
// far behind to be repaired). A fragment is re-encoded with the same
// first_sqn/apdu_len options it was originally sent with.
func (t *Transport) handleNAK(sqn serial.Value, now pgmtime.Time) {
	buf, length, err := t.txw.PeekEntry(sqn)
	if err != nil {
		return
	}
	t.sendNCF(sqn)

	payload := buf.Data[:length]
	fragment := buf.ApduLen > uint32(length)
	frame := t.encodeData(wire.TypeRDATA, sqn, payload, fragment, buf.FirstSqn, buf.ApduLen)
	if _, err := t.socket.WriteTo(frame, t.groupAddr); err != nil {
		logger.Warn("retransmit failed", "sqn", sqn, "err", err)
	}
}

// TimerTick drives NAK scheduling for every peer, ambient SPM heartbeats,
// and peer expiry. Callers invoke it whenever poll_info's deadline elapses.
func (t *Transport) TimerTick(now pgmtime.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	peerExpiryUs := uint64(t.opts.PeerExpiry.Microseconds())
	for id, p := range t.peers {
		for _, action := range p.rxw.TimerTick(now) {
			switch action.Action {
			case rxw.ActionSendNak:
				t.sendNAK(id, action.Sqn)
			case rxw.ActionDeclareLost:
				// Counted inside rxw; nothing further to do here.
			}
		}
		if !p.sawSPM && p.spmrDeadline != 0 && now >= p.spmrDeadline {
			// Waited spmr_expiry without hearing the source's own SPM;
			// solicit its session parameters once.
			p.spmrDeadline = 0
			t.sendSPMR(id)
		}
		if peerExpiryUs > 0 && p.expired(now, peerExpiryUs) {
			delete(t.peers, id)
			t.peerPool.Put(p)
			metrics.PeersExpired.Inc()
			metrics.PeersActive.Dec()
		}
	}

	if t.state == StateBound && uint64(now-t.spmLastSent) >= t.spmAmbientIvl {
		t.sendSPMLocked(now)
	}
	t.waiters.Notify(waiter.EventTimer)
}

func (t *Transport) sendNAK(id tsi.TSI, sqn serial.Value) {
	if t.socket == nil {
		return
	}
	pre := buffer.NewPrependable(wire.CommonHeaderSize + wire.NAKHeaderSize)
	wire.NAK(pre.Prepend(wire.NAKHeaderSize)).SetSqn(sqn)
	hdr := wire.Header(pre.Prepend(wire.CommonHeaderSize))
	hdr.SetSourcePort(t.identity.SPort)
	hdr.SetType(wire.TypeNAK)
	hdr.SetGSI(gsiWire(id.GSI))

	if _, err := t.socket.WriteTo(pre.UsedBytes(), t.groupAddr); err != nil {
		logger.Warn("NAK send failed", "sqn", sqn, "err", err)
	}
}

// sendNCF confirms intent to repair a NAK'd sequence, so every receiver
// waiting on that sqn can stop repeating its NAK and wait for the RDATA.
func (t *Transport) sendNCF(sqn serial.Value) {
	if t.socket == nil {
		return
	}
	pre := buffer.NewPrependable(wire.CommonHeaderSize + wire.NAKHeaderSize)
	wire.NCF(pre.Prepend(wire.NAKHeaderSize)).SetSqn(sqn)
	hdr := wire.Header(pre.Prepend(wire.CommonHeaderSize))
	hdr.SetSourcePort(t.identity.SPort)
	hdr.SetType(wire.TypeNCF)
	hdr.SetGSI(gsiWire(t.identity.GSI))

	if _, err := t.socket.WriteTo(pre.UsedBytes(), t.groupAddr); err != nil {
		logger.Warn("NCF send failed", "sqn", sqn, "err", err)
	}
}

// sendSPMR solicits a source's SPM: a bare common header carrying the
// target's GSI, the same addressing convention as sendNAK.
func (t *Transport) sendSPMR(id tsi.TSI) {
	if t.socket == nil {
		return
	}
	pre := buffer.NewPrependable(wire.CommonHeaderSize)
	hdr := wire.Header(pre.Prepend(wire.CommonHeaderSize))
	hdr.SetSourcePort(t.identity.SPort)
	hdr.SetType(wire.TypeSPMR)
	hdr.SetGSI(gsiWire(id.GSI))

	if _, err := t.socket.WriteTo(pre.UsedBytes(), t.groupAddr); err != nil {
		logger.Warn("SPM request send failed", "peer", id.String(), "err", err)
	}
}

func (t *Transport) sendSPMLocked(now pgmtime.Time) {
	pre := buffer.NewPrependable(wire.CommonHeaderSize + wire.SPMHeaderSize)
	spm := wire.SPM(pre.Prepend(wire.SPMHeaderSize))
	spm.SetTrail(t.txw.Trail())
	spm.SetLead(t.txw.Lead())
	hdr := wire.Header(pre.Prepend(wire.CommonHeaderSize))
	hdr.SetSourcePort(t.identity.SPort)
	hdr.SetType(wire.TypeSPM)
	hdr.SetGSI(gsiWire(t.identity.GSI))

	if _, err := t.socket.WriteTo(pre.UsedBytes(), t.groupAddr); err != nil {
		logger.Warn("SPM send failed", "err", err)
		return
	}
	t.spmLastSent = now
}

// EventRegister / EventUnregister let callers register interest in
// readability, timer deadlines or peer resets and be notified via the
// waiter queue rather than polling.
func (t *Transport) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	t.waiters.EventRegister(e, mask)
}

func (t *Transport) EventUnregister(e *waiter.Entry) {
	t.waiters.EventUnregister(e)
}

// Fd returns the underlying socket descriptor, for a caller's own epoll
// loop; zero before Bind.
func (t *Transport) Fd() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.socket == nil {
		return 0
	}
	return t.socket.Fd()
}

// Destroy drains pending state (if flush requests it isn't needed, since
// the transport never buffers beyond its windows) and closes the socket,
// moving to CLOSED.
func (t *Transport) Destroy(flush bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateClosed {
		return nil
	}
	t.state = StateClosed
	for _, p := range t.peers {
		t.peerPool.Put(p)
		metrics.PeersActive.Dec()
	}
	t.peers = make(map[tsi.TSI]*peer)
	if t.socket != nil {
		return t.socket.Close()
	}
	return nil
}
