// Package broker defines the queue transport the worker consumes from and the
// memory, redis and spool implementations of it.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
)

var (
	// ErrUnavailable wraps transport failures. Callers pause and reconnect.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrNotFound is returned when an ack or nack names an envelope the broker
	// does not hold in flight, typically because it was already acknowledged.
	ErrNotFound    = errors.New("envelope not in flight")
	ErrDuplicateID = errors.New("envelope id already queued")
	ErrClosed      = errors.New("broker closed")
)

// Broker is the consumer side of a queue transport.
type Broker interface {
	// Poll leases up to max ready envelopes from queues, in broker order.
	Poll(ctx context.Context, queues []string, max int) ([]*model.TaskEnvelope, error)
	Ack(ctx context.Context, id string) error
	// Nack returns an in-flight envelope to its queue, visible again after delay.
	// The envelope is stored as given, so RetryCount and LastError persist.
	Nack(ctx context.Context, env *model.TaskEnvelope, delay time.Duration) error
	// DeadLetter removes env from the active queue for good. Repeated calls
	// for the same id store it once.
	DeadLetter(ctx context.Context, env *model.TaskEnvelope) error
	Ping(ctx context.Context) error
	Close() error
}

type Producer interface {
	Enqueue(ctx context.Context, env *model.TaskEnvelope, delay time.Duration) error
}

// Waker is implemented by brokers that can signal new work instead of being polled.
type Waker interface {
	Wake() <-chan struct{}
}

// Depth counts envelopes per state for one queue.
type Depth struct {
	Ready    int `json:"ready" yaml:"ready"`
	InFlight int `json:"in_flight" yaml:"in_flight"`
	Dead     int `json:"dead" yaml:"dead"`
}

type Inspector interface {
	Depth(ctx context.Context, queue string) (Depth, error)
	DeadLetters(ctx context.Context, queue string) ([]*model.TaskEnvelope, error)
}

// Options are shared by all implementations.
type Options struct {
	Logger *logging.Logger
	// Owner is recorded as the lease holder where the transport stores one.
	Owner string
	// Visibility is how long a polled envelope stays leased before it is
	// handed out again.
	Visibility time.Duration
	// OnMalformed is called for every stored message that fails to decode.
	// The message has already been removed from the active queue.
	OnMalformed func(queue string, raw []byte, err error)
}

const defaultVisibility = 30 * time.Minute

func (o Options) withDefaults() Options {
	if o.Visibility <= 0 {
		o.Visibility = defaultVisibility
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

func (o Options) malformed(queue string, raw []byte, err error) {
	o.Logger.Warn("malformed_envelope queue=%s bytes=%d error=%v", queue, len(raw), err)
	if o.OnMalformed != nil {
		o.OnMalformed(queue, raw, err)
	}
}

// IsUnavailable reports whether err is a transport failure worth reconnecting for.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// leaseCopy stamps the visibility deadline on a copy handed to the consumer.
func leaseCopy(env *model.TaskEnvelope, deadline time.Time) *model.TaskEnvelope {
	c := env.Clone()
	c.VisibilityDeadline = deadline.UTC()
	return c
}

// sameLease reports whether env was delivered under the lease that expires at
// deadline. Envelopes without a deadline were never leased and are not fenced.
func sameLease(env *model.TaskEnvelope, deadline time.Time) bool {
	if env.VisibilityDeadline.IsZero() {
		return true
	}
	return env.VisibilityDeadline.UnixMicro() == deadline.UnixMicro()
}

// stored strips the per-lease fields before an envelope is written back.
func stored(env *model.TaskEnvelope) *model.TaskEnvelope {
	c := env.Clone()
	c.VisibilityDeadline = time.Time{}
	return c
}
