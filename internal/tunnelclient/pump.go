package tunnelclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/httpssh/internal/obs"
)

const DefaultMaxChunk = 64 * 1024

// ErrInterrupted is returned by Run when the caller's context ended the tunnel.
var ErrInterrupted = errors.New("tunnel interrupted")

const closeTimeout = 5 * time.Second

// Pump moves bytes between a local stream and one gateway session.
type Pump struct {
	Client *Client
	// In is read in chunks of at most MaxChunk. If it is an io.Closer it is closed to unblock the
	// writer loop when the tunnel ends.
	In       io.Reader
	Out      io.Writer
	MaxChunk int
}

// Run drives session id until the backend closes, In reaches EOF, a request fails, or ctx ends.
// The session is deleted on the way out. Run returns the first loop error, ErrInterrupted when ctx
// stopped it, or nil.
func (p *Pump) Run(ctx context.Context, id string) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		errOnce  sync.Once
		firstErr error
		selfStop atomic.Bool
	)
	stop := func(err error) {
		if err != nil {
			errOnce.Do(func() { firstErr = err })
		}
		selfStop.Store(true)
		cancel()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readLoop(loopCtx, id, stop)
	}()
	go func() {
		defer wg.Done()
		p.writeLoop(loopCtx, id, stop)
	}()

	<-loopCtx.Done()
	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	if err := p.Client.Close(closeCtx, id); err != nil {
		obs.Debug("tunnel.close", obs.Fields{"id": id, "err": err})
	}
	cancelClose()
	if c, ok := p.In.(io.Closer); ok {
		_ = c.Close()
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if !selfStop.Load() && ctx.Err() != nil {
		return ErrInterrupted
	}
	return nil
}

func (p *Pump) readLoop(ctx context.Context, id string, stop func(error)) {
	for {
		data, closed, err := p.Client.Read(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			stop(err)
			return
		}
		if len(data) > 0 {
			if _, err := p.Out.Write(data); err != nil {
				stop(fmt.Errorf("write output: %w", err))
				return
			}
		}
		if closed {
			obs.Debug("tunnel.remote_closed", obs.Fields{"id": id})
			stop(nil)
			return
		}
	}
}

func (p *Pump) writeLoop(ctx context.Context, id string, stop func(error)) {
	size := p.MaxChunk
	if size <= 0 {
		size = DefaultMaxChunk
	}
	buf := make([]byte, size)
	for {
		n, rerr := p.In.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			if err := p.Client.Write(ctx, id, buf[:n]); err != nil {
				if ctx.Err() != nil {
					return
				}
				stop(err)
				return
			}
		}
		if rerr == io.EOF {
			obs.Debug("tunnel.input_eof", obs.Fields{"id": id})
			stop(nil)
			return
		}
		if rerr != nil {
			stop(fmt.Errorf("read input: %w", rerr))
			return
		}
	}
}
