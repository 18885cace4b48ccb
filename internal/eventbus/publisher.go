// Package eventbus forwards engine lifecycle events to a message bus.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the minimal event-publishing seam.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close() error
}

type natsPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher connects to url, or to nats.DefaultURL when url is empty.
func NewNATSPublisher(url, clientName string) (Publisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect nats %s: %w", url, err)
	}
	return &natsPublisher{nc: nc}, nil
}

func (p *natsPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.nc.Publish(subject, payload)
}

// Close flushes pending messages before closing the connection.
func (p *natsPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	return err
}
