package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/httpssh/internal/obs"
)

type RelayStats struct {
	Up, Down    int64
	IdleTimeout bool
	Duration    time.Duration
}

// Relay copies bytes between a and b until one side ends, a write fails, ctx is done, or nothing has
// moved in either direction for idle (zero disables the idle bound). initial is written to b before
// anything else. Both sides are closed when Relay returns.
func Relay(ctx context.Context, a, b io.ReadWriteCloser, initial []byte, idle time.Duration) RelayStats {
	return relay(ctx, a, b, initial, idle, false)
}

// RelayHalfClose is Relay except that EOF from a only shuts down the write side of b (when b has
// CloseWrite) and the relay keeps delivering b's output to a until b ends.
func RelayHalfClose(ctx context.Context, a, b io.ReadWriteCloser, initial []byte, idle time.Duration) RelayStats {
	return relay(ctx, a, b, initial, idle, true)
}

type closeWriter interface {
	CloseWrite() error
}

func relay(ctx context.Context, a, b io.ReadWriteCloser, initial []byte, idle time.Duration, halfClose bool) RelayStats {
	start := time.Now()
	var stats RelayStats
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	if len(initial) > 0 {
		n, err := b.Write(initial)
		stats.Up += int64(n)
		obs.RelayBytesTotal.WithLabelValues("upstream").Add(float64(n))
		if err != nil {
			closeBoth()
			obs.Debug("relay.initial.write", obs.Fields{"err": err})
			stats.Duration = time.Since(start)
			return stats
		}
	}

	// last holds nanoseconds since start at the most recent read on either side
	var last atomic.Int64
	var up, down atomic.Int64
	// true on done means the upstream direction ended in a half-close and the relay keeps going
	done := make(chan bool, 2)
	go func() {
		eof := pump(b, a, start, &last, &up, "upstream")
		if cw, ok := b.(closeWriter); ok && halfClose && eof {
			if err := cw.CloseWrite(); err == nil {
				done <- true
				return
			}
		}
		done <- false
	}()
	go func() {
		pump(a, b, start, &last, &down, "downstream")
		done <- false
	}()

	finished := 0
	var idleC <-chan time.Time
	var timer *time.Timer
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		idleC = timer.C
	}
wait:
	for {
		select {
		case half := <-done:
			finished++
			if half && finished < 2 {
				continue
			}
			break wait
		case <-ctx.Done():
			break wait
		case <-idleC:
			remaining := idle - (time.Since(start) - time.Duration(last.Load()))
			if remaining <= 0 {
				stats.IdleTimeout = true
				break wait
			}
			timer.Reset(remaining)
		}
	}
	closeBoth()
	for ; finished < 2; finished++ {
		<-done
	}

	if stats.IdleTimeout {
		obs.RelayIdleTimeoutTotal.Inc()
	}
	stats.Up += up.Load()
	stats.Down = down.Load()
	stats.Duration = time.Since(start)
	obs.RelayDurationSeconds.Observe(stats.Duration.Seconds())
	return stats
}

// pump reports whether src ended with a clean EOF.
func pump(dst io.Writer, src io.Reader, start time.Time, last, counter *atomic.Int64, direction string) bool {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			last.Store(int64(time.Since(start)))
			w, werr := dst.Write(buf[:n])
			counter.Add(int64(w))
			obs.RelayBytesTotal.WithLabelValues(direction).Add(float64(w))
			if werr != nil {
				return false
			}
		}
		if err != nil {
			return errors.Is(err, io.EOF)
		}
	}
}
