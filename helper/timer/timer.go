package timer

import (
	"context"
	"math/rand"
	"reflect"
	"runtime"
	"time"

	"github.com/lthibault/jitterbug/v2"

	log "github.com/sirupsen/logrus"
)

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

type tickerJitter struct {
	MaxJitter time.Duration
}

func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	if j.MaxJitter == 0 {
		return d
	}

	// Never let the jitter eat the whole period
	max := j.MaxJitter
	if max >= d {
		max = d / 2
	}

	return d + (time.Duration(rand.Int63n(int64(2*max))) - max)
}

// RunWithTicker runs f periodically with the given interval until the context is cancelled.
// When immediate is set, f also runs once before the first tick.
// Errors returned by f are logged and the loop carries on, periodic work is retried on the next tick.
func RunWithTicker(ctx context.Context, interval Interval, immediate bool, f func(ctx context.Context) error) error {
	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()

	j := jitterbug.New(interval.Duration, tickerJitter{MaxJitter: interval.Jitter})
	defer j.Stop()

	log.Debugf("RunWithTicker: running %s with interval %v (jitter %v)", funcName, interval.Duration, interval.Jitter)

	run := func() {
		if err := f(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("RunWithTicker: function %s returned error: %v", funcName, err)
		}
	}

	if immediate {
		run()
	}

	for {
		select {
		case <-ctx.Done():
			log.Debugf("RunWithTicker: context cancelled for %s", funcName)
			return ctx.Err()
		case <-j.C:
			run()
		}
	}
}
