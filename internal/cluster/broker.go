package cluster

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/swarmguard/dagscheduler/internal/transport"
)

// Callbacks is the driver-side surface a Broker implementation reports
// to; Scheduler satisfies it.
type Callbacks interface {
	Registered()
	Disconnected()
	ResourceOffers(ctx context.Context, offers []Offer)
	OfferRescinded(offerID string)
	StatusUpdate(ctx context.Context, update StatusUpdate)
	SlaveLost(ctx context.Context, slaveID string)
	ExecutorLost(slaveID string)
	Error(code int, message string)
}

// offerBatch and statusEnvelope are the gob wire messages exchanged
// with the external offer broker over NATS.
type offerBatch struct {
	Offers []Offer
}

type rescindMsg struct{ OfferID string }

type slaveLostMsg struct{ SlaveID string }

type executorLostMsg struct{ SlaveID string }

type errorMsg struct {
	Code    int
	Message string
}

type launchBatch struct {
	OfferID       string
	Tasks         []LaunchTask
	RefuseSeconds float64
}

type killMsg struct{ TaskID string }

// NatsBroker is the NATS-backed concrete implementation of Broker: the
// framework side of the two-level offer protocol, publishing
// launch/kill/revive commands and subscribing to offer/status/lifecycle
// events from the external offer broker.
type NatsBroker struct {
	url       string
	subjects  Subjects
	callbacks Callbacks

	mu   sync.Mutex
	conn *nats.Conn
	subs []*nats.Subscription
}

// Subjects names the NATS subjects the broker protocol uses, scoped per
// framework instance so multiple schedulers can share a NATS cluster.
type Subjects struct {
	Offers     string
	Rescinded  string
	Status     string
	SlaveLost  string
	ExecLost   string
	Error      string
	Launch     string
	Kill       string
	Revive     string
}

// DefaultSubjects builds the canonical subject set for frameworkID.
func DefaultSubjects(frameworkID string) Subjects {
	return Subjects{
		Offers:    "dagsched." + frameworkID + ".offers",
		Rescinded: "dagsched." + frameworkID + ".rescinded",
		Status:    "dagsched." + frameworkID + ".status",
		SlaveLost: "dagsched." + frameworkID + ".slave_lost",
		ExecLost:  "dagsched." + frameworkID + ".executor_lost",
		Error:     "dagsched." + frameworkID + ".error",
		Launch:    "dagsched." + frameworkID + ".launch",
		Kill:      "dagsched." + frameworkID + ".kill",
		Revive:    "dagsched." + frameworkID + ".revive",
	}
}

// NewNatsBroker constructs a broker that will dial url on Start. Pass
// callbacks here, or via SetCallbacks before Start if the caller (e.g.
// a Scheduler) must itself be constructed with a reference to this
// broker.
func NewNatsBroker(url string, subjects Subjects, callbacks Callbacks) *NatsBroker {
	return &NatsBroker{url: url, subjects: subjects, callbacks: callbacks}
}

// SetCallbacks wires the broker's callback target. Must be called
// before Start.
func (b *NatsBroker) SetCallbacks(callbacks Callbacks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = callbacks
}

// Start connects to NATS with exponential backoff, subscribes to the
// broker-reported subjects, and tells the callbacks the framework is
// registered.
func (b *NatsBroker) Start(ctx context.Context) error {
	conn, err := dialWithBackoff(ctx, b.url)
	if err != nil {
		return fmt.Errorf("connect to nats broker: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	sub, err := transport.Subscribe(conn, b.subjects.Offers, func(ctx context.Context, m *nats.Msg) {
		var batch offerBatch
		if err := gob.NewDecoder(bytes.NewReader(m.Data)).Decode(&batch); err != nil {
			slog.Error("decode offer batch failed", "error", err)
			return
		}
		b.callbacks.ResourceOffers(ctx, batch.Offers)
	})
	if err != nil {
		return fmt.Errorf("subscribe offers: %w", err)
	}
	b.addSub(sub)

	sub, err = transport.Subscribe(conn, b.subjects.Rescinded, func(_ context.Context, m *nats.Msg) {
		var msg rescindMsg
		if err := gob.NewDecoder(bytes.NewReader(m.Data)).Decode(&msg); err == nil {
			b.callbacks.OfferRescinded(msg.OfferID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe rescinded: %w", err)
	}
	b.addSub(sub)

	sub, err = transport.Subscribe(conn, b.subjects.Status, func(ctx context.Context, m *nats.Msg) {
		var update StatusUpdate
		if err := gob.NewDecoder(bytes.NewReader(m.Data)).Decode(&update); err != nil {
			slog.Error("decode status update failed", "error", err)
			return
		}
		b.callbacks.StatusUpdate(ctx, update)
	})
	if err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	b.addSub(sub)

	sub, err = transport.Subscribe(conn, b.subjects.SlaveLost, func(ctx context.Context, m *nats.Msg) {
		var msg slaveLostMsg
		if err := gob.NewDecoder(bytes.NewReader(m.Data)).Decode(&msg); err == nil {
			b.callbacks.SlaveLost(ctx, msg.SlaveID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe slave_lost: %w", err)
	}
	b.addSub(sub)

	sub, err = transport.Subscribe(conn, b.subjects.ExecLost, func(_ context.Context, m *nats.Msg) {
		var msg executorLostMsg
		if err := gob.NewDecoder(bytes.NewReader(m.Data)).Decode(&msg); err == nil {
			b.callbacks.ExecutorLost(msg.SlaveID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe executor_lost: %w", err)
	}
	b.addSub(sub)

	sub, err = transport.Subscribe(conn, b.subjects.Error, func(_ context.Context, m *nats.Msg) {
		var msg errorMsg
		if err := gob.NewDecoder(bytes.NewReader(m.Data)).Decode(&msg); err == nil {
			b.callbacks.Error(msg.Code, msg.Message)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe error subject: %w", err)
	}
	b.addSub(sub)

	conn.SetDisconnectErrHandler(func(*nats.Conn, error) { b.callbacks.Disconnected() })

	b.callbacks.Registered()
	return nil
}

func (b *NatsBroker) addSub(sub *nats.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Stop drains subscriptions and closes the NATS connection.
// failover is accepted for interface symmetry with the reference
// protocol; this implementation always performs a clean disconnect.
func (b *NatsBroker) Stop(failover bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return nil
}

// ReviveOffers asks the external broker to re-send offers immediately,
// bypassing its normal offer interval.
func (b *NatsBroker) ReviveOffers() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	if err := transport.Publish(context.Background(), conn, b.subjects.Revive, nil); err != nil {
		slog.Error("publish revive offers failed", "error", err)
	}
}

// LaunchTasks publishes a launch command for offerID.
func (b *NatsBroker) LaunchTasks(ctx context.Context, offerID string, tasks []LaunchTask, refuseSeconds float64) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("broker not connected")
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(launchBatch{OfferID: offerID, Tasks: tasks, RefuseSeconds: refuseSeconds}); err != nil {
		return fmt.Errorf("encode launch batch: %w", err)
	}
	return transport.Publish(ctx, conn, b.subjects.Launch, buf.Bytes())
}

// KillTask publishes a kill command for taskID.
func (b *NatsBroker) KillTask(taskID string) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("broker not connected")
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(killMsg{TaskID: taskID}); err != nil {
		return fmt.Errorf("encode kill message: %w", err)
	}
	return transport.Publish(context.Background(), conn, b.subjects.Kill, buf.Bytes())
}

func dialWithBackoff(ctx context.Context, url string) (*nats.Conn, error) {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	var conn *nats.Conn
	op := func() error {
		c, err := nats.Connect(url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.Timeout(10*time.Second),
		)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return conn, nil
}
