package notify

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/angelmondragon/packrelay/pkg/logger"
)

const (
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
)

// Outcome is the three-way result of waiting on the signal channel. The
// distinction matters: a channel error must downgrade the worker to
// polling-only instead of being read as "no work".
type Outcome int

const (
	// OutcomeSignal means a notification arrived; work is likely present.
	OutcomeSignal Outcome = iota
	// OutcomeTimeout means the wait window elapsed; fall back to polling.
	OutcomeTimeout
	// OutcomeChannelError means the notification channel itself failed.
	OutcomeChannelError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSignal:
		return "signal"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeChannelError:
		return "channel_error"
	default:
		return "unknown"
	}
}

// Listener subscribes to a Postgres LISTEN channel and exposes a blocking,
// interruptible wait primitive for the worker loop.
type Listener struct {
	pq            *pq.Listener
	notifications <-chan *pq.Notification
	errs          chan error
	channel       string
}

// NewListener opens a dedicated LISTEN connection for the given channel.
// Connection-level failures surface through WaitForSignal as
// OutcomeChannelError rather than failing the worker.
func NewListener(dsn, channel string, logg *logger.Logger) (*Listener, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	if channel == "" {
		return nil, errors.New("channel is required")
	}

	errs := make(chan error, 1)
	callback := func(event pq.ListenerEventType, err error) {
		if err == nil {
			return
		}
		select {
		case errs <- err:
		default:
		}
	}

	listener := pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, callback)
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithField(context.Background(), "channel", channel), "queue listener established")
	}

	return &Listener{
		pq:            listener,
		notifications: listener.Notify,
		errs:          errs,
		channel:       channel,
	}, nil
}

// WaitForSignal blocks until a notification arrives, the timeout elapses, the
// channel errors, or ctx is canceled. A nil notification from the underlying
// listener signals a reconnect during which notifications may have been
// dropped; it is reported as a signal so the caller re-polls immediately.
func (l *Listener) WaitForSignal(ctx context.Context, timeout time.Duration) (Outcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return OutcomeTimeout, ctx.Err()
	case <-l.notifications:
		return OutcomeSignal, nil
	case err := <-l.errs:
		return OutcomeChannelError, err
	case <-timer.C:
		return OutcomeTimeout, nil
	}
}

// Ping checks the LISTEN connection.
func (l *Listener) Ping(ctx context.Context) error {
	if l == nil || l.pq == nil {
		return errors.New("listener not initialized")
	}
	return l.pq.Ping()
}

// Close tears down the LISTEN connection.
func (l *Listener) Close() error {
	if l == nil || l.pq == nil {
		return nil
	}
	return l.pq.Close()
}
