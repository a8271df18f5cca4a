package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mikey/llm-mail-responder/internal/core"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ProcessRequest is the body of POST /v1/process
type ProcessRequest struct {
	MessageID  string    `json:"message_id"`
	From       string    `json:"from" binding:"required"`
	FromName   string    `json:"from_name"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
	ThreadID   string    `json:"thread_id"`
	InReplyTo  string    `json:"in_reply_to"`
	References []string  `json:"references"`
	// DryRun runs the workflow without sending or recording anything
	DryRun bool `json:"dry_run"`
}

func (r *ProcessRequest) message() *core.InboundMessage {
	id := strings.TrimSpace(r.MessageID)
	if id == "" {
		id = "<" + uuid.NewString() + "@api>"
	}
	received := r.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	thread := r.ThreadID
	switch {
	case thread != "":
	case len(r.References) > 0:
		thread = r.References[0]
	case r.InReplyTo != "":
		thread = r.InReplyTo
	default:
		thread = id
	}
	return &core.InboundMessage{
		ID:         id,
		From:       strings.ToLower(strings.TrimSpace(r.From)),
		FromName:   r.FromName,
		To:         r.To,
		Subject:    r.Subject,
		Body:       r.Body,
		ReceivedAt: received.UTC(),
		ThreadID:   thread,
		InReplyTo:  r.InReplyTo,
		References: r.References,
	}
}

func (s *Server) handleProcess(c *gin.Context) {
	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject or body is required"})
		return
	}

	msg := req.message()
	ctx := c.Request.Context()
	logFields := []zap.Field{
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.From),
		zap.Bool("dry_run", req.DryRun),
	}

	var (
		result *core.RunResult
		err    error
	)
	switch {
	case !s.allow.IsAllowed(msg.From) && req.DryRun:
		result = &core.RunResult{
			MessageID: msg.ID,
			Outcome:   core.OutcomeSkipped,
			Reasons:   []string{"sender domain is not in the allowed list"},
			DryRun:    true,
		}
	case !s.allow.IsAllowed(msg.From):
		result, err = s.workflow.Skip(ctx, msg, "sender domain is not in the allowed list")
	case req.DryRun:
		result, err = s.workflow.Preview(ctx, msg)
	default:
		result, err = s.workflow.Process(ctx, msg)
	}

	switch {
	case errors.Is(err, core.ErrAlreadyReserved):
		existing, getErr := s.records.Get(ctx, msg.ID)
		if getErr != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "record": existing})
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("Run cancelled by the client", append(logFields, zap.Error(err))...)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run cancelled before completion"})
		return
	case errors.Is(err, core.ErrUnusableOutput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("Failed to process message", append(logFields, zap.Error(err))...)
		if result != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": result})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("Processed message via API", append(logFields, zap.String("outcome", string(result.Outcome)))...)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListRecords(c *gin.Context) {
	limit, err := listLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := core.RecordStatus(c.Query("status"))
	switch status {
	case "", core.StatusReserved, core.StatusSending, core.StatusSent, core.StatusHeld, core.StatusSkipped:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(string(status))})
		return
	}

	s.listRecords(c, core.RecordFilter{Status: status, Limit: limit})
}

func (s *Server) handleListHeld(c *gin.Context) {
	limit, err := listLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.listRecords(c, core.RecordFilter{Status: core.StatusHeld, Limit: limit})
}

func (s *Server) listRecords(c *gin.Context, filter core.RecordFilter) {
	records, err := s.records.List(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}
	if records == nil {
		records = []*core.ProcessedRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (s *Server) handleGetRecord(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message id is required"})
		return
	}

	rec, err := s.records.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case err != nil:
		s.logger.Error("Failed to get record", zap.String("message_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get record"})
	default:
		c.JSON(http.StatusOK, rec)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "errors": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func listLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
