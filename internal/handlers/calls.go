package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
)

const slotResetTimeout = 5 * time.Second

// CallController is the part of call.Controller the HTTP surface drives.
type CallController interface {
	StartCall(mode models.Mode) error
	AnswerIncoming() error
	EndCall() error
	Status() models.CallStatus
}

// SlotClearer force-clears the shared call slot.
type SlotClearer interface {
	Clear(ctx context.Context) error
}

type CallHandler struct {
	calls CallController
	slot  SlotClearer
	log   zerolog.Logger
}

func NewCallHandler(calls CallController, slot SlotClearer, logger zerolog.Logger) *CallHandler {
	return &CallHandler{
		calls: calls,
		slot:  slot,
		log:   logger.With().Str("component", "call-handler").Logger(),
	}
}

// GetCall returns the local participant's call status
func (h *CallHandler) GetCall(c *gin.Context) {
	c.JSON(http.StatusOK, h.calls.Status())
}

// StartCall originates a call in the requested mode
func (h *CallHandler) StartCall(c *gin.Context) {
	var req models.StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.calls.StartCall(req.Mode); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.calls.Status())
}

// AnswerCall answers the incoming call
func (h *CallHandler) AnswerCall(c *gin.Context) {
	if err := h.calls.AnswerIncoming(); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.calls.Status())
}

// EndCall hangs up. Ending when there is no call succeeds.
func (h *CallHandler) EndCall(c *gin.Context) {
	if err := h.calls.EndCall(); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, h.calls.Status())
}

// ResetSlot deletes whatever record occupies the call slot, including one
// abandoned by a participant that went away without hanging up.
func (h *CallHandler) ResetSlot(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), slotResetTimeout)
	defer cancel()

	if err := h.slot.Clear(ctx); err != nil {
		h.log.Error().Err(err).Msg("Failed to clear call slot")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear call slot"})
		return
	}
	h.log.Info().Str("by", c.GetString(middleware.ParticipantKey)).Msg("Call slot cleared")
	c.JSON(http.StatusOK, gin.H{"message": "Call slot cleared"})
}

func (h *CallHandler) abort(c *gin.Context, err error) {
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrNoIncomingCall):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidMode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, call.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Call request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

// Health reports whether the mailbox is reachable.
func Health(ping func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
