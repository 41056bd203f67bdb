package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyEvent = errors.New("event type required")
)

// NatsBus is a thin wrapper over a NATS connection that speaks JSON events.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("procdef-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// IsConnected reports whether the connection is currently up.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Status returns the connection status string.
func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "DISCONNECTED"
	}
	return b.nc.Status().String()
}

// ConnectedURL returns the URL of the server currently connected to.
func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

// Publish sends a JSON-encoded lifecycle event on its subject.
func (b *NatsBus) Publish(event Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if event.Type == "" {
		return errEmptyEvent
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.nc.Publish(Subject(event.Type), data)
}

// Subscribe attaches a subscription that decodes lifecycle events and invokes
// the handler. Malformed payloads are dropped.
func (b *NatsBus) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if subject == "" {
		subject = SubjectAll()
	}
	return b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[BUS] drop malformed event on %s: %v", msg.Subject, err)
			return
		}
		handler(event)
	})
}
