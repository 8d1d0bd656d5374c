package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/service/groups"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// GroupHandlers provides HTTP handlers for group administration endpoints.
type GroupHandlers struct {
	groups *groups.Service
	log    *zerolog.Logger
}

// NewGroupHandlers creates a new group handlers instance.
func NewGroupHandlers(svc *groups.Service, logger *zerolog.Logger) *GroupHandlers {
	return &GroupHandlers{
		groups: svc,
		log:    logger,
	}
}

// CreateGroupRequest represents the create group request body.
type CreateGroupRequest struct {
	GroupID string   `json:"groupId" binding:"required,min=1,max=128"`
	Members []string `json:"members"`
}

// AddMemberRequest represents the add member request body.
type AddMemberRequest struct {
	UserID string `json:"userId" binding:"required,min=1,max=128"`
}

// GroupResponse represents a group in API responses.
type GroupResponse struct {
	GroupID        string               `json:"groupId"`
	Members        []string             `json:"members"`
	ConnectedUsers []string             `json:"connectedUsers"`
	Messages       []proto.MessageEvent `json:"messages"`
	CreatedAt      string               `json:"createdAt"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateGroup handles group creation.
// POST /api/groups
func (h *GroupHandlers) CreateGroup(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create group request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	group, err := h.groups.Create(c.Request.Context(), req.GroupID, req.Members)
	if err != nil {
		switch {
		case errors.Is(err, groups.ErrGroupExists):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "group already exists"})
		case errors.Is(err, groups.ErrInvalidID):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid group id"})
		default:
			h.log.Error().Err(err).Str("group", req.GroupID).Msg("failed to create group")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	h.log.Info().Str("group", group.ID).Int("members", len(group.Members)).Msg("group created")
	c.JSON(http.StatusCreated, toGroupResponse(group))
}

// GetGroup returns a group with presence and history.
// GET /api/groups/:groupId
func (h *GroupHandlers) GetGroup(c *gin.Context) {
	groupID := c.Param("groupId")

	group, err := h.groups.Get(c.Request.Context(), groupID)
	if err != nil {
		if errors.Is(err, groups.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "group not found"})
			return
		}
		h.log.Error().Err(err).Str("group", groupID).Msg("failed to get group")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, toGroupResponse(group))
}

// AddMember authorizes a user to join the group.
// POST /api/groups/:groupId/members
func (h *GroupHandlers) AddMember(c *gin.Context) {
	groupID := c.Param("groupId")

	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.groups.AddMember(c.Request.Context(), groupID, req.UserID); err != nil {
		switch {
		case errors.Is(err, groups.ErrGroupNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "group not found"})
		case errors.Is(err, groups.ErrInvalidID):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid user id"})
		default:
			h.log.Error().Err(err).Str("group", groupID).Msg("failed to add member")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

func toGroupResponse(g *store.Group) GroupResponse {
	resp := GroupResponse{
		GroupID:        g.ID,
		Members:        g.Members,
		ConnectedUsers: g.ConnectedUsers,
		Messages:       proto.NewMessageEvents(g.Messages),
		CreatedAt:      g.CreatedAt.UTC().Format(time.RFC3339),
	}
	if resp.Members == nil {
		resp.Members = []string{}
	}
	if resp.ConnectedUsers == nil {
		resp.ConnectedUsers = []string{}
	}
	return resp
}
