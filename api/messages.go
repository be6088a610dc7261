package api

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/session-fleet/channel"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
	"github.com/xiaoyuanzhu-com/session-fleet/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SendMessageRequest is the body of a send. Exactly one of Text, MediaID or
// Template is required; Caption only applies to media.
type SendMessageRequest struct {
	To       string           `json:"to"`
	Text     string           `json:"text"`
	MediaID  string           `json:"mediaId"`
	Caption  string           `json:"caption"`
	Template *TemplateRequest `json:"template"`
}

// TemplateRequest selects a pre-approved template by name and language
type TemplateRequest struct {
	Name       string            `json:"name"`
	Language   string            `json:"language"`
	Components []json.RawMessage `json:"components"`
}

func (r SendMessageRequest) validate() []ErrorDetail {
	var details []ErrorDetail
	if r.To == "" {
		details = append(details, ErrorDetail{Field: "to", Message: "recipient is required", Code: "required"})
	}

	kinds := 0
	for _, set := range []bool{r.Text != "", r.MediaID != "", r.Template != nil} {
		if set {
			kinds++
		}
	}
	switch {
	case kinds == 0:
		details = append(details, ErrorDetail{Field: "text", Message: "text, mediaId or template is required", Code: "required"})
	case kinds > 1:
		details = append(details, ErrorDetail{Field: "mediaId", Message: "text, mediaId and template are mutually exclusive", Code: "exclusive"})
	}

	if r.Template != nil {
		if r.Template.Name == "" {
			details = append(details, ErrorDetail{Field: "template.name", Message: "template name is required", Code: "required"})
		}
		if r.Template.Language == "" {
			details = append(details, ErrorDetail{Field: "template.language", Message: "template language is required", Code: "required"})
		}
	}
	return details
}

// content resolves the request into a channel payload, loading media from
// the upload store. It writes the error response itself and returns false
// on failure.
func (h *Handlers) content(c *gin.Context, req SendMessageRequest) (channel.Content, bool) {
	if details := req.validate(); len(details) > 0 {
		RespondValidationError(c, "Invalid message", details)
		return channel.Content{}, false
	}
	if req.Template != nil {
		return channel.Content{Template: channel.NewTemplate(req.Template.Name, req.Template.Language, req.Template.Components)}, true
	}
	if req.MediaID == "" {
		return channel.Content{Text: req.Text}, true
	}

	media, err := h.uploads.Load(c.Request.Context(), req.MediaID)
	switch {
	case errors.Is(err, ErrUploadNotFound):
		RespondNotFound(c, "Media not found")
		return channel.Content{}, false
	case errors.Is(err, ErrUploadIncomplete):
		RespondConflict(c, "Media upload is not complete")
		return channel.Content{}, false
	case err != nil:
		log.Error().Err(err).Str("mediaId", req.MediaID).Msg("failed to load media")
		RespondInternalError(c, "Failed to load media")
		return channel.Content{}, false
	}
	return channel.Content{Media: media, Caption: req.Caption}, true
}

// SendMessage handles POST /api/tenants/:id/messages
// Blocks until the payload is delivered or the send fails terminally.
func (h *Handlers) SendMessage(c *gin.Context) {
	tenantID := c.Param("id")

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}
	content, ok := h.content(c, req)
	if !ok {
		return
	}

	receipt, err := h.server.Sessions().Send(c.Request.Context(), tenantID, req.To, content)
	if err != nil {
		log.Warn().Err(err).Str("tenantId", tenantID).Msg("send failed")
		RespondSessionError(c, err)
		return
	}
	RespondData(c, receipt)
}

// EnqueueMessage handles POST /api/tenants/:id/messages/queue
// Returns immediately with the idempotency key of the queued send.
func (h *Handlers) EnqueueMessage(c *gin.Context) {
	tenantID := c.Param("id")

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}
	content, ok := h.content(c, req)
	if !ok {
		return
	}

	ticket, err := h.server.Sessions().Enqueue(tenantID, req.To, content)
	if err != nil {
		RespondSessionError(c, err)
		return
	}

	go logOutcome(h.server.ShutdownContext(), tenantID, ticket)

	RespondAccepted(c, gin.H{"idempotencyKey": ticket.IdempotencyKey})
}

func logOutcome(ctx context.Context, tenantID string, ticket *session.Ticket) {
	select {
	case res := <-ticket.Done():
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("tenantId", tenantID).Str("idempotencyKey", ticket.IdempotencyKey).Msg("queued send failed")
			return
		}
		log.Debug().Str("tenantId", tenantID).Str("messageId", res.Receipt.MessageID).Msg("queued send delivered")
	case <-ctx.Done():
	}
}

// ListIncomingMessages handles GET /api/tenants/:id/messages/incoming
func (h *Handlers) ListIncomingMessages(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	messages, err := h.server.DB().InboundMessages().ListByTenant(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list incoming messages")
		RespondInternalError(c, "Failed to list incoming messages")
		return
	}
	RespondList(c, messages)
}

// GetDeliveryMetrics handles GET /api/tenants/:id/metrics
// from and to are epoch milliseconds; the default window is the last 24 hours.
func (h *Handlers) GetDeliveryMetrics(c *gin.Context) {
	now := time.Now()
	to, ok := parseMillis(c, "to", now.UnixMilli())
	if !ok {
		return
	}
	from, ok := parseMillis(c, "from", now.Add(-24*time.Hour).UnixMilli())
	if !ok {
		return
	}
	if from > to {
		RespondValidationError(c, "Invalid time window", []ErrorDetail{
			{Field: "from", Message: "from must not be after to", Code: "range"},
		})
		return
	}

	m, err := h.server.DB().Deliveries().Metrics(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		log.Error().Err(err).Msg("failed to compute delivery metrics")
		RespondInternalError(c, "Failed to compute delivery metrics")
		return
	}
	RespondData(c, m)
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		RespondValidationError(c, "Invalid limit", []ErrorDetail{
			{Field: "limit", Message: "limit must be a positive integer", Code: "invalid"},
		})
		return 0, false
	}
	return min(limit, maxListLimit), true
}

func parseMillis(c *gin.Context, key string, def int64) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		RespondValidationError(c, "Invalid time window", []ErrorDetail{
			{Field: key, Message: key + " must be epoch milliseconds", Code: "invalid"},
		})
		return 0, false
	}
	return v, true
}
