//go:build linux

package transport

import (
	"golang.org/x/sys/unix"

	"github.com/YaoZengzeng/pgm/internal/pgmerr"
	"github.com/YaoZengzeng/pgm/pgmtime"
)

// Poll blocks until the transport's socket becomes readable or its next
// timer deadline arrives, whichever is first. It is a thin convenience over
// the Fd/TimerPending surface for callers without an event loop of their
// own; the caller still drives RecvMsgV and TimerTick afterwards.
func (t *Transport) Poll(now pgmtime.Time) error {
	timeout := -1
	if deadline, ok := t.TimerPending(); ok {
		if deadline <= now {
			return nil
		}
		timeout = int((deadline - now) / 1000)
		if timeout == 0 {
			timeout = 1
		}
	}

	fds := []unix.PollFd{{Fd: int32(t.Fd()), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, timeout); err != nil && err != unix.EINTR {
		return pgmerr.ErrSocket
	}
	return nil
}
