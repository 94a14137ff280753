package consumer

import (
	"context"
	"time"

	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
)

// PendingCounter reports how many entries await acknowledgement.
type PendingCounter interface {
	Pending(ctx context.Context) (int64, error)
}

// MonitorBacklog publishes the pending-entry count every interval until ctx
// is done.
func MonitorBacklog(ctx context.Context, src PendingCounter, every time.Duration, log *logging.Logger) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	update := func() {
		n, err := src.Pending(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Plain().WithError(err).Warn("failed to read stream backlog")
			}
			return
		}
		metrics.UpdateStreamPending(n)
	}

	update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
