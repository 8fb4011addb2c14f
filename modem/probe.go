package modem

import (
	"context"
	"time"

	"i4.energy/across/simhub/at"
)

// Probe checks whether an endpoint answers a bare "AT" within timeout. It
// leaves t open; the caller closes it, which also releases the reader when
// the endpoint stayed silent.
func Probe(ctx context.Context, t Transport, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := exchange(ctx, t, at.CmdAt)
	return err
}
