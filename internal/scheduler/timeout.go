package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// executeWithTimeout races the handler against the job timeout and the abort
// signal. Exactly one outcome settles; a late handler result after timeout or
// abort is discarded. The handler observes cancellation through ctx.
func executeWithTimeout(ctx domain.Context, timeout time.Duration, abort <-chan struct{}, job *domain.BrokerJob, h Handler) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h(runCtx, job)
	}()

	select {
	case err := <-done:
		return err
	case <-abort:
		cancel()
		return domain.NoRetry(fmt.Errorf("op=scheduler.execute: job %s aborted", job.ID))
	case <-runCtx.Done():
		return fmt.Errorf("op=scheduler.execute: job %s: timeout after %s", job.ID, timeout)
	}
}
