// Package queue implements the transport between the producer and
// consumer drivers. A Queue carries taskkey.Descriptor payloads FIFO,
// either entirely in-process (single deployment, no broker) or over
// RabbitMQ for a multi-process fleet.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/coderelay/forgebot/pkg/config"
	"github.com/coderelay/forgebot/pkg/taskkey"
)

// ErrEmpty is returned by Dequeue when no descriptor became available
// before the supplied timeout elapsed.
var ErrEmpty = errors.New("queue: empty")

// Delivery wraps one dequeued descriptor together with the Ack it must
// receive once the consumer has finished with it.
type Delivery struct {
	Descriptor taskkey.Descriptor

	// Ack confirms successful processing; for the in-memory queue this is a
	// no-op, for RabbitMQ it sends the broker acknowledgement.
	Ack func() error

	// Nack returns the descriptor to the broker for redelivery. Used only
	// when a delivery could not even be decoded; a task that failed its
	// handler still Acks.
	Nack func() error
}

// Queue is the transport contract shared by both backends.
type Queue interface {
	// Enqueue publishes one descriptor.
	Enqueue(ctx context.Context, d taskkey.Descriptor) error

	// Dequeue blocks up to timeout for the next delivery, or returns
	// ErrEmpty if none arrived in time.
	Dequeue(ctx context.Context, timeout time.Duration) (Delivery, error)

	// Len reports the approximate number of queued-but-undelivered items,
	// used by pkg/opsserver for a queue-depth gauge.
	Len() int

	// Close releases any held connection.
	Close() error
}

// New selects and constructs the configured Queue backend.
func New(rmq config.RabbitMQConfig) (Queue, error) {
	if rmq.UseRabbitMQ {
		return NewRabbitMQQueue(rmq)
	}
	return NewMemoryQueue(), nil
}
