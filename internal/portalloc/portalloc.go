// Package portalloc picks ephemeral UDP encapsulation source ports for
// transports that don't bind a fixed one: a randomised linear probe over
// the ephemeral range. The chosen port becomes the source-port half of the
// transport's TSI.
package portalloc

import (
	"math"
	"math/rand"

	"github.com/charmbracelet/log"

	"github.com/YaoZengzeng/pgm/internal/pgmerr"
)

const firstEphemeral uint16 = 16000

// Pick randomly chooses a starting point in the ephemeral range and
// iterates over all candidates, calling testPort for each until testPort
// reports one usable or every candidate has been exhausted.
func Pick(testPort func(p uint16) (bool, error)) (uint16, error) {
	count := uint16(math.MaxUint16 - firstEphemeral + 1)
	offset := uint16(rand.Int31n(int32(count)))

	for i := uint16(0); i < count; i++ {
		port := firstEphemeral + uint16((uint32(offset)+uint32(i))%uint32(count))
		ok, err := testPort(port)
		if err != nil {
			log.Error("ephemeral port probe failed", "port", port, "err", err)
			return 0, err
		}
		if ok {
			return port, nil
		}
	}
	return 0, pgmerr.ErrAddressResolution
}
