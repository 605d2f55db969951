package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mokk-dev/food-integrator/pkg/ingestion"
)

const (
	TokenHeader  = "X-Webhook-Token"
	maxBodyBytes = 1 << 20 // 1 MiB
)

// Submitter records a validated event. *ingestion.Coordinator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, event ingestion.Event) ingestion.Result
}

// OrderWebhook is the order event body posted by the ordering platform.
type OrderWebhook struct {
	EventID        string    `json:"event_id" validate:"required"`
	OrderID        *int64    `json:"order_id" validate:"required"` // nil when absent; zero is a valid id
	EventType      string    `json:"event_type" validate:"required"`
	MerchantID     string    `json:"merchant_id" validate:"required"`
	Timestamp      time.Time `json:"timestamp" validate:"required"`
	OrderStatus    string    `json:"order_status,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
}

// Response is written for accepted and duplicate submissions.
type Response struct {
	Status        string `json:"status"`
	EventID       string `json:"event_id"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

type errorResponse struct {
	Detail        string `json:"detail"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Handler struct {
	submitter Submitter
	token     string
	validate  *validator.Validate
}

func NewHandler(submitter Submitter, token string) *Handler {
	return &Handler{
		submitter: submitter,
		token:     token,
		validate:  validator.New(),
	}
}

// ReceiveOrder authenticates, validates and submits one order webhook.
func (h *Handler) ReceiveOrder(w http.ResponseWriter, r *http.Request) {
	cid := CorrelationIDFromContext(r.Context())

	token := r.Header.Get(TokenHeader)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing X-Webhook-Token header", cid)
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		writeError(w, http.StatusForbidden, "Invalid token", cid)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large", cid)
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body", cid)
		return
	}

	payload, err := h.decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid payload: %v", err), cid)
		return
	}

	result := h.submitter.Submit(r.Context(), ingestion.Event{
		EventID:     payload.EventID,
		OrderID:     *payload.OrderID,
		EventType:   payload.EventType,
		OrderStatus: payload.OrderStatus,
		RawPayload:  body,
	})

	switch result.Outcome {
	case ingestion.OutcomeAccepted:
		writeJSON(w, http.StatusAccepted, Response{
			Status:        string(ingestion.OutcomeAccepted),
			EventID:       payload.EventID,
			Message:       "Event queued for processing",
			CorrelationID: cid,
		})
	case ingestion.OutcomeDuplicate:
		writeJSON(w, http.StatusOK, Response{
			Status:        string(ingestion.OutcomeDuplicate),
			EventID:       payload.EventID,
			Message:       "Event already processed",
			CorrelationID: cid,
		})
	default:
		log.Printf("[%s] webhook %s failed: %s", cid, payload.EventID, result.Message)
		writeError(w, http.StatusInternalServerError, "Processing error: "+result.Message, cid)
	}
}

func (h *Handler) decode(body []byte) (*OrderWebhook, error) {
	var payload OrderWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if err := h.validate.Struct(&payload); err != nil {
		return nil, err
	}
	// unknown event types are accepted as-is
	payload.EventType = strings.ToUpper(payload.EventType)
	return &payload, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string, cid string) {
	writeJSON(w, status, errorResponse{Detail: detail, CorrelationID: cid})
}
