package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"immortal-chat/internal/core/apperr"
	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
	"immortal-chat/internal/core/services"
)

// ConversationHandler serves the conversation REST surface (§6): listing
// and reading conversations, the accept/release/complete actions, the
// event audit trail, and message history/send. Grounded in the teacher's
// DashboardHandler request-handler shape (one method per route, the
// shared APIResponse envelope) but routed through chi path params instead
// of the teacher's manual strings.Split parsing, and delegating all state
// transitions to ConversationService/OutboundPipeline rather than
// touching repositories directly.
type ConversationHandler struct {
	conversations ports.ConversationRepository
	messages      ports.MessageRepository
	svc           *services.ConversationService
	outbound      *services.OutboundPipeline
}

func NewConversationHandler(conversations ports.ConversationRepository, messages ports.MessageRepository, svc *services.ConversationService, outbound *services.OutboundPipeline) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, messages: messages, svc: svc, outbound: outbound}
}

// domainStatus maps the "status" query param to a domain.ConversationStatus,
// ignoring unrecognized values (treated as "any").
func domainStatus(raw string) domain.ConversationStatus {
	switch domain.ConversationStatus(raw) {
	case domain.ConversationStatusPending, domain.ConversationStatusAssigned, domain.ConversationStatusCompleted:
		return domain.ConversationStatus(raw)
	default:
		return ""
	}
}

// List handles GET /conversations.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	filter := ports.ConversationFilter{
		OrganizationID: id.OrganizationID,
		ChannelID:      q.Get("channelId"),
		AgentID:        q.Get("agentId"),
		Search:         q.Get("search"),
		Page:           page,
		Limit:          limit,
	}
	if status := q.Get("status"); status != "" {
		filter.Status = domainStatus(status)
	}

	rows, total, err := h.conversations.List(r.Context(), filter)
	if err != nil {
		writeAppErr(w, apperr.Transient("list conversations failed", err))
		return
	}

	writeSuccess(w, map[string]any{
		"data":  rows,
		"page":  page,
		"limit": limit,
		"total": total,
	})
}

// Get handles GET /conversations/{id}.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	conv, err := h.conversations.GetWithRelations(r.Context(), convID)
	if err != nil {
		writeAppErr(w, apperr.Transient("load conversation failed", err))
		return
	}
	if conv == nil {
		writeAppErr(w, apperr.NotFound("conversation not found"))
		return
	}
	writeSuccess(w, conv)
}

// Accept handles POST /conversations/{id}/accept.
func (h *ConversationHandler) Accept(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	convID := chi.URLParam(r, "id")
	conv, err := h.svc.Accept(r.Context(), convID, id.UserID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeSuccess(w, conv)
}

// Release handles POST /conversations/{id}/release.
func (h *ConversationHandler) Release(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	convID := chi.URLParam(r, "id")
	conv, err := h.svc.Release(r.Context(), convID, id.UserID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeSuccess(w, conv)
}

// Complete handles POST /conversations/{id}/complete.
func (h *ConversationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	convID := chi.URLParam(r, "id")
	conv, err := h.svc.Complete(r.Context(), convID, id.UserID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeSuccess(w, conv)
}

// Events handles GET /conversations/{id}/events.
func (h *ConversationHandler) Events(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	events, err := h.conversations.ListEvents(r.Context(), convID, page, limit)
	if err != nil {
		writeAppErr(w, apperr.Transient("list conversation events failed", err))
		return
	}
	writeSuccess(w, map[string]any{"data": events, "page": page, "limit": limit})
}

// Messages handles GET /conversations/{id}/messages.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	var cursor *string
	if c := q.Get("cursor"); c != "" {
		cursor = &c
	}

	page, err := h.messages.ListByConversation(r.Context(), convID, cursor, limit)
	if err != nil {
		writeAppErr(w, apperr.Transient("list messages failed", err))
		return
	}
	writeSuccess(w, map[string]any{"data": page.Data, "nextCursor": page.NextCursor})
}

type sendMessageRequest struct {
	Body           *string `json:"body"`
	MediaRef       *string `json:"media"`
	IdempotencyKey *string `json:"idempotencyKey"`
}

// SendMessage handles POST /conversations/{id}/messages. Only the agent
// the conversation is currently assigned to may send; any other requester
// gets AUTHZ (§6).
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	convID := chi.URLParam(r, "id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppErr(w, apperr.Validation("malformed request body"))
		return
	}
	if req.Body == nil && req.MediaRef == nil {
		writeAppErr(w, apperr.Validation("body or media is required"))
		return
	}

	conv, err := h.conversations.GetByID(r.Context(), convID)
	if err != nil {
		writeAppErr(w, apperr.Transient("load conversation failed", err))
		return
	}
	if conv == nil {
		writeAppErr(w, apperr.NotFound("conversation not found"))
		return
	}
	if conv.AssignedAgentID == nil || *conv.AssignedAgentID != id.UserID {
		writeAppErr(w, apperr.Authz("conversation is not assigned to this agent"))
		return
	}

	msg, err := h.outbound.Send(r.Context(), convID, id.UserID, req.Body, req.MediaRef, req.IdempotencyKey)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Code: http.StatusCreated, Message: "Success", Data: msg})
}
