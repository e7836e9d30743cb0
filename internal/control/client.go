package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/searchguard/internal/state"
)

// Client is how observers and the settings surface talk to the control service.
type Client interface {
	GetState(ctx context.Context) (state.Configuration, error)
	SetState(ctx context.Context, patch state.Patch) (state.Configuration, error)
	IncrementBlockedCount(ctx context.Context) (state.Configuration, error)
	BlockAndRedirect(ctx context.Context, req BlockRequest) error
	// Subscribe streams configuration changes until ctx is done.
	Subscribe(ctx context.Context) (<-chan state.Change, error)
}

// DefaultTimeout bounds each LocalClient call.
const DefaultTimeout = 5 * time.Second

type envelope struct {
	ctx   context.Context
	req   Request
	reply chan Ack
}

// LocalClient delivers requests to a Service through a mailbox drained by a
// single goroutine, so requests are answered in arrival order.
type LocalClient struct {
	svc     *Service
	timeout time.Duration
	mailbox chan envelope

	mu      sync.RWMutex
	started bool
	done    chan struct{}
}

var _ Client = (*LocalClient)(nil)

// NewLocalClient returns a client for svc. depth sizes the mailbox.
func NewLocalClient(svc *Service, timeout time.Duration, depth int) *LocalClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if depth <= 0 {
		depth = 64
	}
	return &LocalClient{
		svc:     svc,
		timeout: timeout,
		mailbox: make(chan envelope, depth),
		done:    make(chan struct{}),
	}
}

// Serve drains the mailbox until ctx is done. A LocalClient is served once;
// calls made before Serve starts or after it returns fail with ErrUnavailable.
func (c *LocalClient) Serve(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("control: mailbox already served")
	}
	c.started = true
	c.mu.Unlock()
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-c.mailbox:
			if env.ctx.Err() != nil {
				continue
			}
			env.reply <- c.svc.Handle(env.ctx, env.req)
		}
	}
}

func (c *LocalClient) call(ctx context.Context, req Request) (Ack, error) {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		return Ack{}, ErrUnavailable
	}
	select {
	case <-c.done:
		return Ack{}, ErrUnavailable
	default:
	}
	if req.ID == "" {
		req.ID = c.svc.NewRequestID()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	env := envelope{ctx: ctx, req: req, reply: make(chan Ack, 1)}
	select {
	case c.mailbox <- env:
	case <-c.done:
		return Ack{}, ErrUnavailable
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("%w: %s %s", ErrTimeout, req.Type, req.ID)
	}
	select {
	case ack := <-env.reply:
		if !ack.OK() {
			return ack, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
		}
		return ack, nil
	case <-c.done:
		return Ack{}, ErrUnavailable
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("%w: %s %s", ErrTimeout, req.Type, req.ID)
	}
}

func stateOf(ack Ack) state.Configuration {
	if ack.State == nil {
		return state.Default()
	}
	return *ack.State
}

// GetState implements Client.
func (c *LocalClient) GetState(ctx context.Context) (state.Configuration, error) {
	ack, err := c.call(ctx, Request{Type: GetState})
	if err != nil {
		return state.Configuration{}, err
	}
	return stateOf(ack), nil
}

// SetState implements Client.
func (c *LocalClient) SetState(ctx context.Context, patch state.Patch) (state.Configuration, error) {
	ack, err := c.call(ctx, Request{Type: SetState, Patch: &patch})
	if err != nil {
		return state.Configuration{}, err
	}
	return stateOf(ack), nil
}

// IncrementBlockedCount implements Client.
func (c *LocalClient) IncrementBlockedCount(ctx context.Context) (state.Configuration, error) {
	ack, err := c.call(ctx, Request{Type: IncrementBlockedCount})
	if err != nil {
		return state.Configuration{}, err
	}
	return stateOf(ack), nil
}

// BlockAndRedirect implements Client.
func (c *LocalClient) BlockAndRedirect(ctx context.Context, req BlockRequest) error {
	_, err := c.call(ctx, Request{Type: BlockAndRedirect, Block: &req})
	return err
}

// Subscribe forwards store changes until ctx is done.
func (c *LocalClient) Subscribe(ctx context.Context) (<-chan state.Change, error) {
	sub := c.svc.Store().Subscribe(0)
	out := make(chan state.Change, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-sub.C():
				if !ok {
					return
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
