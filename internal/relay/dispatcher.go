package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"github.com/vovakirdan/wirechat-relay/internal/metrics"
	"github.com/vovakirdan/wirechat-relay/internal/push"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Registry is the part of the connection registry the dispatcher needs.
type Registry interface {
	ListConnectionsByGroup(ctx context.Context, groupID string) ([]*store.Connection, error)
	DeleteConnection(ctx context.Context, id string) error
}

// RecipientPolicy selects which registry entries receive a broadcast.
type RecipientPolicy string

const (
	// RecipientsAll targets every registered connection of the group.
	RecipientsAll RecipientPolicy = "all"
	// RecipientsConnectedUsers targets only connections whose user is in ConnectedUsers.
	RecipientsConnectedUsers RecipientPolicy = "connected_users"
)

// Outcome of a single push.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeGone      Outcome = "gone"
	OutcomeFailed    Outcome = "failed"
)

// Broadcast describes one fan-out.
type Broadcast struct {
	GroupID             string
	ExcludeConnectionID string
	Payload             []byte
	// ConnectedUsers is consulted only under RecipientsConnectedUsers.
	ConnectedUsers []string
}

// Delivery records what happened to one recipient.
type Delivery struct {
	ConnectionID string
	UserID       string
	Outcome      Outcome
	// Pruned is set when a gone recipient was removed from the registry.
	Pruned   bool
	Err      error
	PruneErr error
}

// Report summarizes a broadcast. Err is set only when recipients could not be resolved.
// Remote counts entries owned by other relay nodes; they are neither pushed to nor pruned.
type Report struct {
	GroupID    string
	Deliveries []Delivery
	Skipped    int
	Remote     int
	Err        error
}

// Count returns the number of deliveries with the given outcome.
func (r Report) Count(outcome Outcome) int {
	return lo.CountBy(r.Deliveries, func(d Delivery) bool { return d.Outcome == outcome })
}

// DispatcherOptions tune recipient selection and concurrency.
type DispatcherOptions struct {
	Recipients     RecipientPolicy
	ExcludeSender  bool
	MaxConcurrency int
	// NodeID, when set, restricts pushes to entries stamped with the same node
	// or with no node at all.
	NodeID string
}

// Dispatcher pushes a payload to every recipient of a group and prunes stale entries.
type Dispatcher struct {
	registry Registry
	pusher   push.Pusher
	logger   *zerolog.Logger
	metrics  *metrics.Metrics
	opts     DispatcherOptions
}

func NewDispatcher(registry Registry, pusher push.Pusher, logger *zerolog.Logger, m *metrics.Metrics, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	if opts.Recipients == "" {
		opts.Recipients = RecipientsAll
	}
	return &Dispatcher{
		registry: registry,
		pusher:   pusher,
		logger:   logger,
		metrics:  m,
		opts:     opts,
	}
}

// Broadcast returns once every attempted push has resolved. Per-recipient
// failures never abort the others and are only reported.
func (d *Dispatcher) Broadcast(ctx context.Context, b Broadcast) Report {
	start := time.Now()
	defer func() { d.metrics.ObserveBroadcast(time.Since(start)) }()

	// In-flight pushes outlive the caller; each one is bounded by the pusher.
	ctx = context.WithoutCancel(ctx)

	report := Report{GroupID: b.GroupID}

	conns, err := d.registry.ListConnectionsByGroup(ctx, b.GroupID)
	if err != nil {
		d.logger.Error().Err(err).Str("group", b.GroupID).Msg("resolve recipients failed")
		report.Err = err
		return report
	}

	local, remote := lo.FilterReject(conns, func(c *store.Connection, _ int) bool {
		return c == nil || d.ownsConnection(c)
	})
	report.Remote = len(remote)

	targets := lo.Filter(local, func(c *store.Connection, _ int) bool {
		return d.isRecipient(c, b)
	})
	report.Skipped = len(local) - len(targets)

	p := pool.NewWithResults[Delivery]()
	if d.opts.MaxConcurrency > 0 {
		p = p.WithMaxGoroutines(d.opts.MaxConcurrency)
	}
	for _, c := range targets {
		p.Go(func() Delivery {
			return d.deliver(ctx, c, b.Payload)
		})
	}
	report.Deliveries = p.Wait()

	d.logger.Debug().
		Str("group", b.GroupID).
		Int("delivered", report.Count(OutcomeDelivered)).
		Int("gone", report.Count(OutcomeGone)).
		Int("failed", report.Count(OutcomeFailed)).
		Int("skipped", report.Skipped).
		Int("remote", report.Remote).
		Msg("broadcast complete")

	return report
}

// ownsConnection reports whether this node holds the socket behind c. Only
// the owner can tell a gone recipient from one that lives elsewhere.
func (d *Dispatcher) ownsConnection(c *store.Connection) bool {
	return d.opts.NodeID == "" || c.NodeID == "" || c.NodeID == d.opts.NodeID
}

func (d *Dispatcher) isRecipient(c *store.Connection, b Broadcast) bool {
	if c == nil {
		return false
	}
	if d.opts.ExcludeSender && b.ExcludeConnectionID != "" && c.ID == b.ExcludeConnectionID {
		return false
	}
	if d.opts.Recipients == RecipientsConnectedUsers {
		return lo.Contains(b.ConnectedUsers, c.UserID)
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, c *store.Connection, payload []byte) Delivery {
	res := Delivery{ConnectionID: c.ID, UserID: c.UserID}

	err := d.pusher.Send(ctx, c.ID, payload)
	switch {
	case err == nil:
		res.Outcome = OutcomeDelivered
	case errors.Is(err, push.ErrGone):
		res.Outcome = OutcomeGone
		res.Err = err
		if derr := d.registry.DeleteConnection(ctx, c.ID); derr != nil {
			res.PruneErr = derr
			d.logger.Warn().Err(derr).Str("conn", c.ID).Msg("prune stale connection failed")
		} else {
			res.Pruned = true
			d.metrics.ObservePrune()
			d.logger.Debug().Str("conn", c.ID).Str("user", c.UserID).Msg("pruned stale connection")
		}
	default:
		res.Outcome = OutcomeFailed
		res.Err = err
		d.logger.Warn().Err(err).Str("conn", c.ID).Str("user", c.UserID).Msg("push failed")
	}

	d.metrics.ObserveDelivery(string(res.Outcome))
	return res
}
