package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"animalchat-engine/internal/domain"
	"animalchat-engine/internal/usecase"
)

type stubEngine struct {
	out usecase.TurnResult
	err error
	in  usecase.TurnInput
}

func (s *stubEngine) SubmitTurn(_ context.Context, in usecase.TurnInput) (usecase.TurnResult, error) {
	s.in = in
	return s.out, s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/turns",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	engine := &stubEngine{out: usecase.TurnResult{
		TurnID:    "turn-1",
		SessionID: "sess-1",
		Reply:     "Squeak! Hi there!",
		Status:    domain.StatusCompleted,
	}}
	h, err := NewHandler(engine)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"sessionId":"sess-1","personaId":"otto-the-otter","message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.TurnInput{
		SessionID:   "sess-1",
		PersonaID:   "otto-the-otter",
		UserMessage: "hi",
	}, engine.in)

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, "turn-1", out.TurnID)
	require.Equal(t, "sess-1", out.SessionID)
	require.Equal(t, "Squeak! Hi there!", out.Reply)
	require.Equal(t, "completed", out.Status)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
}

func TestHandle_RejectedTurnIsStill200(t *testing.T) {
	engine := &stubEngine{out: usecase.TurnResult{
		TurnID:    "turn-1",
		SessionID: "sess-1",
		Reply:     "I'm sorry, I can't chat about that. Let's talk about something else!",
		Status:    domain.StatusRejected,
	}}
	h, err := NewHandler(engine)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"sessionId":"sess-1","personaId":"otto-the-otter","message":"something off-limits"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, "rejected", out.Status)
	require.NotEmpty(t, out.Reply)
}

func TestHandle_InvalidBody(t *testing.T) {
	engine := &stubEngine{}
	h, err := NewHandler(engine)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Empty(t, engine.in.SessionID, "engine must not be called for malformed bodies")
}

func TestHandle_MapsEngineErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid input",
			err:        &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty message"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_INPUT",
		},
		{
			name:       "persona not found",
			err:        &usecase.Error{Code: usecase.ErrorConfigNotFound, Reason: "unknown persona"},
			wantStatus: http.StatusNotFound,
			wantCode:   "CONFIG_NOT_FOUND",
		},
		{
			name:       "rate limited",
			err:        &usecase.Error{Code: usecase.ErrorProviderRateLimited, Reason: "upstream throttling"},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   "PROVIDER_RATE_LIMITED",
		},
		{
			name:       "provider timeout",
			err:        &usecase.Error{Code: usecase.ErrorProviderTimeout, Reason: "upstream deadline"},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "PROVIDER_TIMEOUT",
		},
		{
			name:       "turn deadline",
			err:        &usecase.Error{Code: usecase.ErrorInternalTimeout, Reason: "turn deadline"},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "INTERNAL_TIMEOUT",
		},
		{
			name:       "provider unavailable",
			err:        &usecase.Error{Code: usecase.ErrorProviderUnavailable, Reason: "circuit open"},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "PROVIDER_UNAVAILABLE",
		},
		{
			name:       "store unavailable",
			err:        &usecase.Error{Code: usecase.ErrorStoreUnavailable, Reason: "dynamodb down"},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "STORE_UNAVAILABLE",
		},
		{
			name:       "provider rejected request",
			err:        &usecase.Error{Code: usecase.ErrorProviderInvalidRequest, Reason: "bad model"},
			wantStatus: http.StatusBadGateway,
			wantCode:   "PROVIDER_INVALID_REQUEST",
		},
		{
			name:       "untyped error",
			err:        errors.New("something broke"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := &stubEngine{err: tc.err}
			h, err := NewHandler(engine)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(`{"sessionId":"sess-1","personaId":"p","message":"hi"}`))
			require.NoError(t, err, "errors surface as HTTP statuses, never as handler errors")
			require.Equal(t, tc.wantStatus, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.wantCode, out.Error)
		})
	}
}

func TestResolveCorrelationID(t *testing.T) {
	t.Run("passes through case-insensitively", func(t *testing.T) {
		id := resolveCorrelationID(map[string]string{"X-CORRELATION-ID": "abc-123"})
		require.Equal(t, "abc-123", id)
	})

	t.Run("generates when absent", func(t *testing.T) {
		id := resolveCorrelationID(map[string]string{})
		require.NotEmpty(t, id)
	})

	t.Run("generates when blank", func(t *testing.T) {
		id := resolveCorrelationID(map[string]string{"X-Correlation-Id": "  "})
		require.NotEmpty(t, id)
		require.NotEqual(t, "  ", id)
	})
}

func TestHandle_CorrelationIDEchoedOnErrors(t *testing.T) {
	engine := &stubEngine{err: &usecase.Error{Code: usecase.ErrorProviderUnavailable}}
	h, err := NewHandler(engine)
	require.NoError(t, err)

	event := makeEvent(`{"sessionId":"sess-1","personaId":"p","message":"hi"}`)
	event.Headers["x-correlation-id"] = "corr-42"

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-42", resp.Headers["X-Correlation-Id"])
}
