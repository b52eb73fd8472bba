package transport

import (
	"github.com/YaoZengzeng/pgm/internal/metrics"
	"github.com/YaoZengzeng/pgm/internal/slab"
	"github.com/YaoZengzeng/pgm/pgmtime"
	"github.com/YaoZengzeng/pgm/rxw"
	"github.com/YaoZengzeng/pgm/serial"
	"github.com/YaoZengzeng/pgm/tsi"
)

// resetJumpFactor bounds how far ahead of the current lead an incoming sqn
// may sit, relative to window capacity, before it is treated as a peer
// reset rather than a large but legitimate gap.
const resetJumpFactor = 16

// peer is per-source-session state: its receive window plus liveness
// bookkeeping. Any packet refreshes lastPacketTime; peer_expiry of silence
// destroys the peer. The transport strongly owns its peers by tsi-keyed
// map and a peer strongly owns its rxw; neither holds a back-pointer.
type peer struct {
	tsi            tsi.TSI
	rxw            *rxw.Window
	lastPacketTime pgmtime.Time

	// spmrDeadline is the back-off before soliciting the source's session
	// parameters with an SPM request; zero once one has been sent or the
	// source's own SPM arrived first.
	spmrDeadline pgmtime.Time
	sawSPM       bool
	reset        bool
}

// newPeerPool builds the free-list peers churn through as sources come and
// go; only the *peer struct itself is recycled; its rxw is always rebuilt
// fresh since a recycled window could not be trusted to start empty.
func newPeerPool() *slab.Pool[peer] {
	return slab.NewPool(func(p *peer) { *p = peer{} })
}

func newPeer(pool *slab.Pool[peer], id tsi.TSI, cfg rxw.Config, now pgmtime.Time) *peer {
	metrics.PeersActive.Inc()
	p := pool.Get()
	p.tsi = id
	p.rxw = rxw.New(cfg)
	p.lastPacketTime = now
	return p
}

func (p *peer) expired(now pgmtime.Time, peerExpiryUs uint64) bool {
	return uint64(now-p.lastPacketTime) > peerExpiryUs
}

// checkReset reports whether sqn jumps so far past the window's current
// lead that it cannot plausibly be a retransmission gap, implying the
// sender restarted its session without changing TSI.
func (p *peer) checkReset(sqn serial.Value) bool {
	if p.rxw.IsEmpty() {
		return false
	}
	if serial.LessThanOrEqual(sqn, p.rxw.Lead()) {
		return false
	}
	return serial.Distance(p.rxw.Lead(), sqn) > p.rxw.Capacity()*resetJumpFactor
}
