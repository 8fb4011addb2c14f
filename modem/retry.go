package modem

import (
	"context"
	"fmt"
)

// query sends an idempotent command, repeating it after transient failures
// up to Config.MaxRetries times. Rejections and fatal errors are returned
// at once. The caller holds the session.
func (m *Modem) query(ctx context.Context, cmd Command) (Response, error) {
	attempts := 1 + max(m.config.MaxRetries, 0)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := m.send(ctx, cmd)
		if err == nil {
			return resp, nil
		}
		if KindOf(err) != KindTransient || ctx.Err() != nil {
			return resp, err
		}
		lastErr = err
		m.logger.Debug("retrying command", "cmd", cmd.Text, "attempt", attempt, "error", err)
	}
	return Response{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}
