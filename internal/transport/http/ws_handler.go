package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/relay"
	"github.com/vovakirdan/wirechat-relay/internal/service/groups"
	"github.com/vovakirdan/wirechat-relay/internal/store"
	"github.com/vovakirdan/wirechat-relay/internal/utils"
)

const leaveTimeout = 5 * time.Second

// WSHandler upgrades HTTP connections, makes them addressable through the push
// gateway and feeds sendMessage frames into the relay.
type WSHandler struct {
	deps     Deps
	cfg      config.WSConfig
	validate *validator.Validate
	log      *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(deps Deps, cfg config.WSConfig, validate *validator.Validate, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{deps: deps, cfg: cfg, validate: validate, log: logger}
}

// wsSession is the per-socket state owned by the read loop.
type wsSession struct {
	id      string
	conn    *websocket.Conn
	limiter *rateLimiter
	current *store.Connection
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	sess := &wsSession{
		id:      utils.NewConnectionID(),
		conn:    conn,
		limiter: newRateLimiter(h.cfg.RatePerSec, h.cfg.Burst),
	}

	h.deps.Gateway.Attach(sess.id, conn)
	h.deps.Metrics.ConnOpened()
	defer func() {
		h.deps.Gateway.Detach(sess.id)
		h.deps.Metrics.ConnClosed()
		h.leave(ctx, sess)
	}()

	h.log.Debug().Str("conn", sess.id).Msg("ws connected")

	err = h.readLoop(ctx, sess)

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn", sess.id).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, sess *wsSession) error {
	for {
		typ, data, err := sess.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			if err := h.writeError(ctx, sess, "bad_request", "text frames only"); err != nil {
				return err
			}
			continue
		}
		if !sess.limiter.allow() {
			if err := h.writeError(ctx, sess, "rate_limited", "too many messages"); err != nil {
				return err
			}
			continue
		}

		var inbound proto.Inbound
		if err := json.Unmarshal(data, &inbound); err != nil {
			h.log.Debug().Err(err).Str("conn", sess.id).Msg("malformed ws frame")
			if err := h.writeError(ctx, sess, "bad_request", "malformed frame"); err != nil {
				return err
			}
			continue
		}
		if err := h.validate.Struct(inbound); err != nil {
			if err := h.writeError(ctx, sess, "bad_request", "action, groupId and userId are required"); err != nil {
				return err
			}
			continue
		}

		switch inbound.Action {
		case proto.ActionSubscribe:
			err = h.subscribe(ctx, sess, inbound)
		case proto.ActionSendMessage:
			err = h.sendMessage(ctx, sess, inbound)
		}
		if err != nil {
			return err
		}
	}
}

func (h *WSHandler) subscribe(ctx context.Context, sess *wsSession, in proto.Inbound) error {
	// A socket is registered for at most one group at a time.
	if sess.current != nil && (sess.current.GroupID != in.GroupID || sess.current.UserID != in.UserID) {
		h.leave(ctx, sess)
	}

	c, err := h.deps.Groups.Subscribe(ctx, sess.id, in.GroupID, in.UserID)
	if err != nil {
		switch {
		case errors.Is(err, groups.ErrGroupNotFound):
			return h.writeError(ctx, sess, "group_not_found", "Group not found.")
		case errors.Is(err, groups.ErrNotMember):
			return h.writeError(ctx, sess, relay.CodeNotMember, "User is not a member of the group.")
		default:
			h.log.Error().Err(err).Str("conn", sess.id).Str("group", in.GroupID).Msg("subscribe failed")
			return h.writeError(ctx, sess, "internal", "internal server error")
		}
	}
	sess.current = c

	h.log.Info().Str("conn", sess.id).Str("group", in.GroupID).Str("user", in.UserID).Msg("subscribed")
	return wsjson.Write(ctx, sess.conn, proto.Subscribed{
		Action:       proto.ActionSubscribed,
		GroupID:      in.GroupID,
		ConnectionID: sess.id,
	})
}

func (h *WSHandler) sendMessage(ctx context.Context, sess *wsSession, in proto.Inbound) error {
	resp := h.deps.Relay.HandleIncoming(ctx, relay.Incoming{
		GroupID:      in.GroupID,
		UserID:       in.UserID,
		ConnectionID: sess.id,
		Text:         in.Message,
	})
	if r := resp.Report; r != nil {
		h.log.Debug().
			Str("conn", sess.id).
			Str("group", r.GroupID).
			Int("delivered", r.Count(relay.OutcomeDelivered)).
			Int("gone", r.Count(relay.OutcomeGone)).
			Int("failed", r.Count(relay.OutcomeFailed)).
			Int("remote", r.Remote).
			Msg("message relayed")
	}
	return wsjson.Write(ctx, sess.conn, proto.Response{
		Action:     proto.ActionResponse,
		StatusCode: resp.StatusCode,
		Body:       proto.ResponseBody{Message: resp.Message},
	})
}

// leave drops the session's registry entry. It runs after the request context
// is gone, so it gets its own deadline.
func (h *WSHandler) leave(ctx context.Context, sess *wsSession) {
	if sess.current == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()

	if err := h.deps.Groups.Leave(ctx, sess.current); err != nil {
		h.log.Warn().Err(err).Str("conn", sess.id).Str("group", sess.current.GroupID).Msg("leave failed")
	}
	sess.current = nil
}

func (h *WSHandler) writeError(ctx context.Context, sess *wsSession, code, msg string) error {
	return wsjson.Write(ctx, sess.conn, proto.ErrorFrame{
		Action: proto.ActionError,
		Error:  &proto.Error{Code: code, Msg: msg},
	})
}
