package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anvil-platform/servicegraph/engine"
)

// DefaultSubjectPrefix is prepended to the service name to build the subject.
const DefaultSubjectPrefix = "servicegraph.lifecycle"

var droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "servicegraph_eventbus_dropped_total",
	Help: "Lifecycle events dropped because the forward buffer was full.",
})

// Collectors returns the forwarder collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{droppedEvents}
}

// Message is the JSON payload published for every transition.
type Message struct {
	Service    string    `json:"service"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Generation uint64    `json:"generation"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Forwarder is an engine listener that publishes transitions from its own
// goroutine. Observe never blocks; events are dropped when the buffer is full.
type Forwarder struct {
	pub    Publisher
	prefix string
	log    logr.Logger
	now    func() time.Time

	events chan Message
	once   sync.Once
	done   chan struct{}
}

func NewForwarder(pub Publisher, prefix string, buffer int, log logr.Logger) *Forwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Forwarder{
		pub:    pub,
		prefix: prefix,
		log:    log,
		now:    time.Now,
		events: make(chan Message, buffer),
		done:   make(chan struct{}),
	}
}

// Subject returns the subject events for name are published on.
func (f *Forwarder) Subject(name string) string {
	return f.prefix + "." + name
}

func (f *Forwarder) Observe(ev engine.Event) {
	msg := Message{
		Service:    ev.Name.String(),
		From:       ev.From.String(),
		To:         ev.To.String(),
		Generation: ev.Generation,
		Time:       f.now().UTC(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	select {
	case f.events <- msg:
	default:
		droppedEvents.Inc()
	}
}

// Run publishes buffered events until ctx ends, then drains what is left
// and closes the publisher.
func (f *Forwarder) Run(ctx context.Context) error {
	defer close(f.done)
	for {
		select {
		case msg := <-f.events:
			f.publish(ctx, msg)
		case <-ctx.Done():
			f.drain()
			return f.pub.Close()
		}
	}
}

// Wait blocks until Run has returned.
func (f *Forwarder) Wait() {
	<-f.done
}

func (f *Forwarder) drain() {
	for {
		select {
		case msg := <-f.events:
			f.publish(context.Background(), msg)
		default:
			return
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		f.log.Error(err, "encode lifecycle event", "service", msg.Service)
		return
	}
	if err := f.pub.Publish(ctx, f.Subject(msg.Service), payload); err != nil {
		f.log.Error(err, "publish lifecycle event", "service", msg.Service, "to", msg.To)
	}
}
