// Package relay validates, records and fans out group chat messages.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/vovakirdan/wirechat-relay/internal/metrics"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/push"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// GroupReader fetches group records.
type GroupReader interface {
	GetGroup(ctx context.Context, id string) (*store.Group, error)
}

// PayloadPolicy selects what a broadcast carries.
type PayloadPolicy string

const (
	PayloadFullLog    PayloadPolicy = "full_log"
	PayloadNewMessage PayloadPolicy = "new_message"
)

// Options configures the relay pipeline.
type Options struct {
	Payload          PayloadPolicy
	Recipients       RecipientPolicy
	ExcludeSender    bool
	MaxConcurrency   int
	MaxMessageLength int
	// NodeID scopes delivery and pruning to connections held by this process.
	NodeID string
}

// DefaultOptions broadcasts the full log to every registered connection except the sender.
func DefaultOptions() Options {
	return Options{
		Payload:          PayloadFullLog,
		Recipients:       RecipientsAll,
		ExcludeSender:    true,
		MaxMessageLength: 4096,
	}
}

// Deps are the collaborators of the relay.
type Deps struct {
	Groups   GroupReader
	Messages MessageLog
	Registry Registry
	Pusher   push.Pusher
	Logger   *zerolog.Logger
	Metrics  *metrics.Metrics
}

// Incoming is one message submitted by a client.
type Incoming struct {
	GroupID      string
	UserID       string
	ConnectionID string
	Text         string
}

// Response is the status and human-readable message returned to the sender.
// Report is set only when a broadcast ran; it never affects StatusCode.
type Response struct {
	StatusCode int
	Message    string
	Report     *Report
}

// Service sequences validate, append and broadcast for each inbound message.
type Service struct {
	groups     GroupReader
	appender   *Appender
	dispatcher *Dispatcher
	logger     *zerolog.Logger
	metrics    *metrics.Metrics
	opts       Options
}

func NewService(deps Deps, opts Options) *Service {
	logger := deps.Logger
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	if opts.Payload == "" {
		opts.Payload = PayloadFullLog
	}
	return &Service{
		groups:   deps.Groups,
		appender: NewAppender(deps.Messages),
		dispatcher: NewDispatcher(deps.Registry, deps.Pusher, logger, deps.Metrics, DispatcherOptions{
			Recipients:     opts.Recipients,
			ExcludeSender:  opts.ExcludeSender,
			MaxConcurrency: opts.MaxConcurrency,
			NodeID:         opts.NodeID,
		}),
		logger:  logger,
		metrics: deps.Metrics,
		opts:    opts,
	}
}

// HandleIncoming runs the pipeline to completion. Delivery failures never
// change the response once the message is recorded.
func (s *Service) HandleIncoming(ctx context.Context, in Incoming) Response {
	resp := s.run(ctx, in)
	s.metrics.ObserveRequest(resp.StatusCode)
	return resp
}

func (s *Service) run(ctx context.Context, in Incoming) Response {
	if err := s.checkInput(in); err != nil {
		return errorResponse(err)
	}

	group, err := s.groups.GetGroup(ctx, in.GroupID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error().Err(err).Str("group", in.GroupID).Msg("group lookup failed")
		return errorResponse(relayError(KindStoreUnavailable, "", msgStoreFailure, err))
	}

	group, err = Validate(group, in.UserID)
	if err != nil {
		return errorResponse(err)
	}

	appended, err := s.appender.Append(ctx, in.GroupID, in.UserID, in.Text)
	if err != nil {
		s.logger.Error().Err(err).Str("group", in.GroupID).Str("user", in.UserID).Msg("append failed")
		return errorResponse(err)
	}

	payload, err := s.encode(in.GroupID, appended)
	if err != nil {
		// Recorded but not deliverable; clients catch up from the next full log.
		s.logger.Error().Err(err).Str("group", in.GroupID).Msg("encode broadcast failed")
		return Response{StatusCode: http.StatusOK, Message: msgSent}
	}

	report := s.dispatcher.Broadcast(ctx, Broadcast{
		GroupID:             in.GroupID,
		ExcludeConnectionID: in.ConnectionID,
		Payload:             payload,
		ConnectedUsers:      group.ConnectedUsers,
	})

	return Response{StatusCode: http.StatusOK, Message: msgSent, Report: &report}
}

func (s *Service) checkInput(in Incoming) error {
	if in.GroupID == "" || in.UserID == "" {
		return relayError(KindInvalid, "", "groupId and userId are required.", nil)
	}
	if s.opts.MaxMessageLength > 0 && utf8.RuneCountInString(in.Text) > s.opts.MaxMessageLength {
		return relayError(KindInvalid, "", fmt.Sprintf("Message exceeds %d characters.", s.opts.MaxMessageLength), nil)
	}
	return nil
}

func (s *Service) encode(groupID string, appended Appended) ([]byte, error) {
	var env proto.Envelope
	switch s.opts.Payload {
	case PayloadNewMessage:
		env = proto.NewMessageEnvelope(groupID, appended.Entry)
	default:
		env = proto.FullLogEnvelope(groupID, appended.Log)
	}
	return json.Marshal(env)
}

func errorResponse(err error) Response {
	var re *Error
	if errors.As(err, &re) {
		return Response{StatusCode: re.StatusCode(), Message: re.Message}
	}
	return Response{StatusCode: http.StatusInternalServerError, Message: msgStoreFailure}
}
