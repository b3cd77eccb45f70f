package events

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/vault/pkg/vault"
)

// SubjectPrefix namespaces every published subject: vault.<event type>.
const SubjectPrefix = "vault"

// Publisher fans committed ledger events out over NATS as JSON. It implements
// vault.EventSink; publishing never blocks the ledger because nats.Conn
// buffers writes internally.
type Publisher struct {
	nc     *nats.Conn
	logger log.Logger
}

// Connect dials the NATS server and returns a ready publisher.
func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("vault-events"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", url, err)
	}
	return NewPublisher(nc), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{
		nc:     nc,
		logger: log.Root().New("module", "events"),
	}
}

// Publish serializes the event and publishes it on vault.<type>. Failures are
// logged, not surfaced: the ledger has already committed by the time sinks
// run.
func (p *Publisher) Publish(event vault.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal event", "type", event.EventType(), "error", err)
		return
	}
	subject := SubjectPrefix + "." + event.EventType()
	if err := p.nc.Publish(subject, payload); err != nil {
		p.logger.Warn("publish event", "subject", subject, "error", err)
	}
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
