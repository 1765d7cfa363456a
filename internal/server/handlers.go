package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/lnsuite/nwcd/internal/escrow"
	"github.com/lnsuite/nwcd/internal/logging"
	"github.com/lnsuite/nwcd/internal/nwc"
	"github.com/lnsuite/nwcd/internal/realtime"
	"github.com/lnsuite/nwcd/internal/security"
	"github.com/lnsuite/nwcd/internal/session"
	"github.com/lnsuite/nwcd/internal/validation"
)

// -----------------------------------------------------------------------------
// Error mapping
// -----------------------------------------------------------------------------

// respondError maps domain errors to HTTP status codes
func respondError(c *gin.Context, err error) {
	var code string
	var status int

	switch {
	case errors.Is(err, session.ErrValidation):
		status, code = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, session.ErrSessionNotFound):
		status, code = http.StatusNotFound, "session_not_found"
	case errors.Is(err, escrow.ErrEscrowNotFound):
		status, code = http.StatusNotFound, "escrow_not_found"
	case errors.Is(err, session.ErrNotConnected):
		status, code = http.StatusConflict, "not_connected"
	case errors.Is(err, escrow.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, session.ErrConnectionFailed):
		status, code = http.StatusBadGateway, "connection_failed"
	case errors.Is(err, session.ErrOperationFailed):
		status, code = http.StatusBadGateway, "operation_failed"
	default:
		status, code = http.StatusInternalServerError, "internal_error"
		logging.L(c.Request.Context()).Error("unhandled error", "error", err)
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}

// -----------------------------------------------------------------------------
// Session handlers
// -----------------------------------------------------------------------------

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.sessions.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ConnectRequest pairs a session with a wallet
type ConnectRequest struct {
	ConnectionURI string `json:"connectionUri" binding:"required"`
}

func (s *Server) connectSession(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "connectionUri is required",
		})
		return
	}

	// In production, reject relays pointing at internal addresses.
	if s.cfg.IsProduction() {
		parsed, err := nwc.ParseConnectURI(req.ConnectionURI)
		if err != nil {
			respondError(c, errors.Join(session.ErrValidation, err))
			return
		}
		if err := security.ValidateRelayURL(parsed.Relay); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": err.Error(),
			})
			return
		}
	}

	sess, err := s.sessions.Connect(c.Request.Context(), c.Param("id"), req.ConnectionURI)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) disconnectSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.sessions.Disconnect(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	sess, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) refreshBalance(c *gin.Context) {
	sess, err := s.sessions.RefreshBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":       sess.ID,
		"balanceMsat":     sess.BalanceMsat,
		"balanceSyncedAt": sess.BalanceSyncedAt,
	})
}

func (s *Server) listTransactions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	unpaid := c.Query("unpaid") == "true"

	txs, err := s.sessions.ListTransactions(c.Request.Context(), c.Param("id"), limit, unpaid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// -----------------------------------------------------------------------------
// Payment handlers
// -----------------------------------------------------------------------------

// CreateInvoiceRequest asks the session's wallet for an invoice
type CreateInvoiceRequest struct {
	AmountMsat  int64  `json:"amountMsat" binding:"required"`
	Description string `json:"description"`
	ExpirySecs  int64  `json:"expirySecs"`
}

func (s *Server) createInvoice(c *gin.Context) {
	var req CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "amountMsat is required",
		})
		return
	}

	if verrs := validation.Validate(
		validation.PositiveAmount("amountMsat", req.AmountMsat),
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}

	tx, err := s.sessions.CreateInvoice(c.Request.Context(), c.Param("id"),
		req.AmountMsat, validation.SanitizeString(req.Description, validation.MaxDescriptionLength), req.ExpirySecs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

// PayInvoiceRequest pays an invoice through the session's wallet
type PayInvoiceRequest struct {
	Invoice string `json:"invoice" binding:"required"`
}

func (s *Server) payInvoice(c *gin.Context) {
	var req PayInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "invoice is required",
		})
		return
	}

	outcome, err := s.sessions.PayInvoice(c.Request.Context(), c.Param("id"), req.Invoice)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// invoiceQR renders an invoice as a QR code PNG for wallet scanning
func (s *Server) invoiceQR(c *gin.Context) {
	invoice := c.Query("invoice")
	if invoice == "" || len(invoice) > 4096 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "invoice query parameter is required",
		})
		return
	}

	size := 256
	if raw := c.Query("size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 64 && n <= 1024 {
			size = n
		}
	}

	png, err := qrcode.Encode(invoice, qrcode.Medium, size)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "invoice cannot be encoded as QR code",
		})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// -----------------------------------------------------------------------------
// Subscription handlers
// -----------------------------------------------------------------------------

// SubscribeRequest opens the session's notification subscription
type SubscribeRequest struct {
	// Types restricts the subscription; empty means all notification types.
	Types []string `json:"types"`
}

func (s *Server) subscribe(c *gin.Context) {
	var req SubscribeRequest
	// Body is optional; an empty body subscribes to everything.
	_ = c.ShouldBindJSON(&req)

	for _, t := range req.Types {
		switch t {
		case nwc.NotificationPaymentReceived, nwc.NotificationPaymentSent, nwc.NotificationHoldInvoiceAccepted:
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": "unknown notification type: " + t,
			})
			return
		}
	}

	if err := s.sessions.Subscribe(c.Request.Context(), c.Param("id"), req.Types...); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscribed": true,
		"types":      req.Types,
	})
}

func (s *Server) unsubscribe(c *gin.Context) {
	if err := s.sessions.Unsubscribe(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": false})
}

func (s *Server) subscriptionStatus(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.sessions.Get(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": s.sessions.Subscribed(id)})
}

// -----------------------------------------------------------------------------
// Escrow handlers
// -----------------------------------------------------------------------------

// CreateEscrowRequest opens a hold-invoice escrow on the session
type CreateEscrowRequest struct {
	AmountMsat  int64  `json:"amountMsat" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) createEscrow(c *gin.Context) {
	var req CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "amountMsat is required",
		})
		return
	}

	if verrs := validation.Validate(
		validation.PositiveAmount("amountMsat", req.AmountMsat),
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}

	e, err := s.escrows.Create(c.Request.Context(), c.Param("id"),
		req.AmountMsat, validation.SanitizeString(req.Description, validation.MaxDescriptionLength))
	if err != nil {
		respondError(c, err)
		return
	}

	// Mirror to realtime subscribers
	s.realtimeHub.Broadcast(escrowEvent(e))

	c.JSON(http.StatusCreated, e)
}

func (s *Server) listEscrows(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	id := c.Param("id")
	if _, err := s.sessions.Get(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	escrows, next, err := s.escrows.ListBySession(c.Request.Context(), id, limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getEscrow(c *gin.Context) {
	e, err := s.escrows.Get(c.Request.Context(), c.Param("escrowId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) settleEscrow(c *gin.Context) {
	e, err := s.escrows.Settle(c.Request.Context(), c.Param("escrowId"))
	if err != nil {
		respondError(c, err)
		return
	}
	s.realtimeHub.Broadcast(escrowEvent(e))
	c.JSON(http.StatusOK, e)
}

func (s *Server) cancelEscrow(c *gin.Context) {
	e, err := s.escrows.Cancel(c.Request.Context(), c.Param("escrowId"))
	if err != nil {
		respondError(c, err)
		return
	}
	s.realtimeHub.Broadcast(escrowEvent(e))
	c.JSON(http.StatusOK, e)
}

func escrowEvent(e *escrow.Escrow) *realtime.Event {
	return &realtime.Event{
		Type:      realtime.EventEscrow,
		SessionID: e.SessionID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"escrowId":    e.ID,
			"status":      e.Status,
			"paymentHash": e.PaymentHash,
			"amountMsat":  e.AmountMsat,
		},
	}
}
