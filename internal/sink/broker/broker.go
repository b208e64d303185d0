// Package broker implements the message-bus sink: it serializes each
// batch to a single JSON message and publishes it to a fanout exchange
// under a fixed routing key (spec.md §4.6). Flush is a no-op; this sink
// buffers nothing of its own.
//
// Dialing and the one-exported-Handle/Flush-pair shape are grounded on
// the teacher's storage/egress.Store constructor contract
// (storage/egress/db.go: New(dbname) (*Store, error)); no pack repo
// actually calls an amqp client, so the publish call itself follows
// streadway/amqp's own documented idiom directly.
package broker

import (
	"context"
	"encoding/json"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"

	"github.com/maximumstock/stash-indexer/internal/sink"
)

// Config wires a Sink to its RabbitMQ connection parameters.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	Log        *logging.Logger
}

// Sink publishes each batch as one JSON message to a fanout exchange.
type Sink struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	log        *logging.Logger
}

// wireMessage is the JSON envelope published for each batch.
type wireMessage struct {
	League  string         `json:"league,omitempty"`
	Stashes []wireMsgStash `json:"stashes"`
}

type wireMsgStash struct {
	ID          string `json:"id"`
	Public      bool   `json:"public"`
	AccountName string `json:"accountName,omitempty"`
	StashType   string `json:"stashType"`
	League      string `json:"league,omitempty"`
	ItemCount   int    `json:"itemCount"`
}

// New dials url, opens a channel, and idempotently declares the fanout
// exchange. The connection is held open for the sink's lifetime; Flush
// never closes it (spec: Flush is a no-op for the broker sink).
func New(cfg Config) (*Sink, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "broker: dial")
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "broker: open channel")
	}
	if err := channel.ExchangeDeclare(
		cfg.Exchange, // name
		"fanout",     // kind
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // args
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, errors.Wrap(err, "broker: declare exchange")
	}
	return &Sink{
		conn:       conn,
		channel:    channel,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		log:        cfg.Log,
	}, nil
}

// buildWireMessage projects a batch into the JSON envelope published to
// the exchange. Split out from Handle so the projection can be tested
// without a live broker connection.
func buildWireMessage(batch sink.Batch) wireMessage {
	msg := wireMessage{League: batch.League, Stashes: make([]wireMsgStash, 0, len(batch.Stashes))}
	for _, st := range batch.Stashes {
		msg.Stashes = append(msg.Stashes, wireMsgStash{
			ID:          st.ID,
			Public:      st.Public,
			AccountName: st.AccountName,
			StashType:   st.StashType,
			League:      st.League,
			ItemCount:   len(st.Items),
		})
	}
	return msg
}

// Handle publishes batch as a single JSON message under the configured
// routing key.
func (s *Sink) Handle(ctx context.Context, batch sink.Batch) (int, error) {
	body, err := json.Marshal(buildWireMessage(batch))
	if err != nil {
		return 0, errors.Wrap(err, "broker: marshal batch")
	}

	if err := s.channel.Publish(
		s.exchange,
		s.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return 0, errors.Wrap(err, "broker: publish")
	}

	return len(batch.Stashes), nil
}

// Flush is a no-op: the broker sink buffers nothing (spec.md §4.6).
func (s *Sink) Flush(ctx context.Context) error {
	return nil
}

// Close tears down the channel and connection. Not part of the Sink
// contract (Flush does not close); called explicitly by the outer loop
// alongside Flush on shutdown.
func (s *Sink) Close() error {
	var firstErr error
	if err := s.channel.Close(); err != nil {
		firstErr = err
	}
	if err := s.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
