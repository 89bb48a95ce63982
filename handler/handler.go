package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"animalchat-engine/internal/usecase"
)

// turnSubmitter is the engine surface the handler consumes.
type turnSubmitter interface {
	SubmitTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnResult, error)
}

// Response is the API Gateway proxy response shape.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type turnRequest struct {
	SessionID string `json:"sessionId"`
	PersonaID string `json:"personaId"`
	Message   string `json:"message"`
}

type turnResponse struct {
	TurnID    string `json:"turnId"`
	SessionID string `json:"sessionId"`
	Reply     string `json:"reply"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler adapts API Gateway proxy events to the engine's SubmitTurn.
type Handler struct {
	engine turnSubmitter
}

// NewHandler creates a Handler.
func NewHandler(engine turnSubmitter) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("handler: engine must not be nil")
	}
	return &Handler{engine: engine}, nil
}

// Handle processes one turn submission. Guardrail rejections come back as a
// 200 with status "rejected" and the generic safe reply; error codes map to
// HTTP statuses the calling layer can act on.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (Response, error) {
	correlationID := resolveCorrelationID(event.Headers)

	var req turnRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, correlationID,
			errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}

	out, err := h.engine.SubmitTurn(ctx, usecase.TurnInput{
		SessionID:   req.SessionID,
		PersonaID:   req.PersonaID,
		UserMessage: req.Message,
	})
	if err != nil {
		code := usecase.ErrorInternal
		var ucErr *usecase.Error
		if errors.As(err, &ucErr) {
			code = ucErr.Code
		}
		return jsonResponse(statusFor(code), correlationID, errorResponse{Error: string(code)}), nil
	}

	return jsonResponse(http.StatusOK, correlationID, turnResponse{
		TurnID:    out.TurnID,
		SessionID: out.SessionID,
		Reply:     out.Reply,
		Status:    string(out.Status),
	}), nil
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorConfigNotFound:
		return http.StatusNotFound
	case usecase.ErrorProviderRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorProviderTimeout, usecase.ErrorInternalTimeout:
		return http.StatusGatewayTimeout
	case usecase.ErrorProviderUnavailable, usecase.ErrorStoreUnavailable:
		return http.StatusServiceUnavailable
	case usecase.ErrorProviderInvalidRequest:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func resolveCorrelationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "x-correlation-id") && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

func jsonResponse(status int, correlationID string, body any) Response {
	raw, err := json.Marshal(body)
	if err != nil {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    responseHeaders(correlationID),
			Body:       `{"error":"INTERNAL_ERROR"}`,
		}
	}
	return Response{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(raw),
	}
}

func responseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":     "application/json",
		"X-Correlation-Id": correlationID,
	}
}
