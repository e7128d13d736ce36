// Package watermillgroup is the concrete group-messaging transport adapter
// standing in for TOTEMPG (spec.md §6, SPEC_FULL.md §4.N). It maps
// "multicast to every member of the current ring" onto a fanout exchange
// one dedicated queue consumes per process, and "send_ok admission test"
// onto a circuit breaker tripped by publish-confirm backpressure.
package watermillgroup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker"

	"github.com/opencluster/execd/internal/registry"
	"github.com/opencluster/execd/internal/transport"
)

// GroupExchange is the single fanout exchange every ring member publishes
// to and consumes from, matching the teacher's WebitelExchange convention.
const GroupExchange = "execd.group.events"

// Adapter implements transport.GroupTransport over AMQP via watermill.
type Adapter struct {
	amqpURI string
	nodeID  string

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	breaker *gobreaker.CircuitBreaker

	logger *slog.Logger
}

// New builds an unstarted adapter; Initialize wires the router and starts
// consuming.
func New(amqpURI string, logger *slog.Logger) *Adapter {
	nodeID, err := os.Hostname()
	if err != nil {
		nodeID = watermill.NewShortUUID()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "group-transport-send-ok",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     2 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &Adapter{amqpURI: amqpURI, nodeID: nodeID, breaker: breaker, logger: logger}
}

// Initialize starts the router (§4.J step 8): publisher and a per-node
// durable queue bound to GroupExchange, deliver and confchg handed off to
// the reactor via the caller-supplied callbacks, which this adapter invokes
// directly from the router's own goroutine — callers must hand off to the
// reactor thread themselves (§5 concurrency notes).
func (a *Adapter) Initialize(cfg transport.Config, deliver transport.DeliverFunc, confchg transport.ConfChgFunc) error {
	wmLogger := watermill.NewSlogLogger(a.logger)

	pubConfig := wmamqp.NewDurablePubSubConfig(a.amqpURI, func(string) string { return GroupExchange })
	publisher, err := wmamqp.NewPublisher(pubConfig, wmLogger)
	if err != nil {
		return fmt.Errorf("watermillgroup: publisher: %w", err)
	}

	queueName := fmt.Sprintf("%s.%s", GroupExchange, a.nodeID)
	subConfig := wmamqp.NewDurablePubSubConfig(a.amqpURI, func(string) string { return queueName })
	subscriber, err := wmamqp.NewSubscriber(subConfig, wmLogger)
	if err != nil {
		publisher.Close()
		return fmt.Errorf("watermillgroup: subscriber: %w", err)
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		subscriber.Close()
		publisher.Close()
		return fmt.Errorf("watermillgroup: router: %w", err)
	}

	router.AddNoPublisherHandler(
		"group-deliver",
		GroupExchange,
		subscriber,
		a.bind(deliver),
	)

	a.publisher = publisher
	a.subscriber = subscriber
	a.router = router

	go func() {
		if err := router.Run(context.Background()); err != nil {
			a.logger.Error("watermillgroup: router stopped", "err", err)
		}
	}()

	// Ring membership in this stand-in transport is the single process
	// queue itself: there is exactly one member, this node, in one regular
	// configuration, established as soon as the router is up.
	confchg(registry.ConfChg{RingID: a.nodeID, Regular: true, Members: []string{a.nodeID}, Joined: []string{a.nodeID}})

	return nil
}

// bind adapts a watermill NoPublishHandlerFunc to transport.DeliverFunc,
// the same "infrastructure bridge" shape the teacher's amqp package uses
// (panic recovery, ack-is-terminal decoding failures).
func (a *Adapter) bind(deliver transport.DeliverFunc) message.NoPublishHandlerFunc {
	return func(msg *message.Message) (err error) {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("watermillgroup: panic recovered", "err", r)
				err = nil // ack: a poison message must not wedge the consumer
			}
		}()

		flipped := msg.Metadata.Get("endian-flipped") == "true"
		source := msg.Metadata.Get("source-addr")

		if derr := deliver(source, [][]byte{msg.Payload}, flipped); derr != nil {
			a.logger.Error("watermillgroup: deliver callback failed", "err", derr)
			return derr // nack: let watermill's retry policy handle it
		}
		return nil
	}
}

// SendOk consults the breaker instead of simulating admission control
// synthetically (SPEC_FULL.md §4.N). size is informational only — this
// adapter gates on broker health, not on a byte budget.
func (a *Adapter) SendOk(size int) bool {
	return a.breaker.State() != gobreaker.StateOpen
}

// Multicast publishes body to every ring member via GroupExchange. Publish
// failures count against the breaker so SendOk reflects broker health.
func (a *Adapter) Multicast(body []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), body)
	_, err := a.breaker.Execute(func() (any, error) {
		return nil, a.publisher.Publish(GroupExchange, msg)
	})
	return err
}

// Close tears the router and pub/sub connections down.
func (a *Adapter) Close() error {
	if a.router != nil {
		_ = a.router.Close()
	}
	if a.subscriber != nil {
		_ = a.subscriber.Close()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	return nil
}
