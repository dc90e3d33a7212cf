package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck returns a ProbeFunc that reports unhealthy when the
// number of goroutines exceeds the given threshold. Useful as a liveness
// check: the orchestrator holds one poll goroutine per pending order, so a
// runaway count means watchers are leaking.
func GoroutineCountCheck(threshold int) ProbeFunc {
	return func(_ context.Context) error {
		count := runtime.NumGoroutine()
		if count > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", count, threshold)
		}
		return nil
	}
}

// Pinger is anything with a context-aware Ping, such as a pgx pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger into a readiness check.
func PingCheck(p Pinger) ProbeFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// ConnectedCheck adapts a boolean connectivity probe (such as the hardware
// bus client's connection state) into a readiness check.
func ConnectedCheck(name string, connected func() bool) ProbeFunc {
	return func(_ context.Context) error {
		if !connected() {
			return errors.Errorf("%s is not connected", name)
		}
		return nil
	}
}
