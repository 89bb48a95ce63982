package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"animalchat-engine/internal/configstore"
	"animalchat-engine/internal/domain"
	"animalchat-engine/internal/guardrails"
	"animalchat-engine/internal/provider"
	"animalchat-engine/internal/repository"
)

const (
	defaultMaxHistoryTurns = 20
	defaultMaxSessionTurns = 50
	defaultMaxMessageLen   = 4000
	defaultTurnDeadline    = 30 * time.Second

	// rejectionReply is the only text a caller sees when guardrails reject a
	// turn. Rule details stay in turn metadata.
	rejectionReply = "I'm sorry, I can't chat about that. Let's talk about something else!"
)

// ConfigStore loads persona configuration records.
type ConfigStore interface {
	GetPersonaConfig(ctx context.Context, personaID string) (domain.PersonaConfig, error)
}

// Generator is the provider gateway surface the engine drives.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (provider.Result, error)
	GenerateStream(ctx context.Context, req provider.Request) (provider.Stream, error)
}

// TurnStore persists and reads conversation turns.
type TurnStore interface {
	AppendTurn(ctx context.Context, turn domain.ConversationTurn) error
	GetRecentHistory(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error)
	GetSessionTurnCount(ctx context.Context, sessionID string) (int, error)
}

// RuleValidator runs staged guardrail validation.
type RuleValidator interface {
	Validate(text string, rules []domain.GuardrailRule, stage guardrails.Stage) guardrails.Result
}

// Options tunes per-engine behavior. Zero values take the package defaults.
type Options struct {
	MaxHistoryTurns    int
	MaxSessionTurns    int
	MaxMessageLen      int
	TurnDeadline       time.Duration
	RegenerateOnReject bool
}

// Engine is the turn orchestrator: it drives persona loading, input
// validation, prompt composition, generation, output validation, and
// persistence for one turn at a time. Turns are independent; the only state
// shared between them lives in the gateway's breaker and the config cache.
type Engine struct {
	configs   ConfigStore
	generator Generator
	store     TurnStore
	validator RuleValidator
	logger    *slog.Logger
	opts      Options
}

// TurnInput is one inbound turn request.
type TurnInput struct {
	SessionID   string
	PersonaID   string
	UserMessage string
}

// TurnResult is the outcome of a turn that ran to a terminal state. Status
// completed carries the validated reply; rejected carries a generic safe
// message; failed (store write after successful generation) still carries
// the reply, favoring the user over persistence in that one case.
type TurnResult struct {
	TurnID    string
	SessionID string
	Reply     string
	Status    domain.TurnStatus
	Metadata  domain.TurnMetadata
}

// NewEngine creates the orchestrator.
func NewEngine(configs ConfigStore, generator Generator, store TurnStore, validator RuleValidator, opts Options, logger *slog.Logger) (*Engine, error) {
	if configs == nil {
		return nil, errors.New("usecase: config store must not be nil")
	}
	if generator == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	if validator == nil {
		return nil, errors.New("usecase: validator must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxHistoryTurns <= 0 {
		opts.MaxHistoryTurns = defaultMaxHistoryTurns
	}
	if opts.MaxSessionTurns <= 0 {
		opts.MaxSessionTurns = defaultMaxSessionTurns
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = defaultMaxMessageLen
	}
	if opts.TurnDeadline <= 0 {
		opts.TurnDeadline = defaultTurnDeadline
	}
	return &Engine{
		configs:   configs,
		generator: generator,
		store:     store,
		validator: validator,
		logger:    logger,
		opts:      opts,
	}, nil
}

// SubmitTurn runs one full turn to a terminal state. Guardrail rejections
// and post-generation store failures are reported through TurnResult.Status,
// not the error; a non-nil error means no reply exists at all.
func (e *Engine) SubmitTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.TurnDeadline)
	defer cancel()

	prep, err := e.prepareTurn(ctx, in)
	if err != nil {
		return TurnResult{}, err
	}
	if prep.rejected != nil {
		return *prep.rejected, nil
	}

	started := time.Now()
	res, err := e.generator.Generate(ctx, prep.request)
	if err != nil {
		e.persistFailure(prep.turn, err)
		return TurnResult{}, e.providerError(ctx, err)
	}

	reply := res.Text
	outputCheck := e.validator.Validate(reply, prep.cfg.Guardrails, guardrails.StageOutput)
	if !outputCheck.Allowed {
		prep.turn.Metadata.Violations = outputCheck.Violations
		if !e.opts.RegenerateOnReject {
			return e.finalizeRejection(prep, started), nil
		}

		// One regeneration with a stricter directive; a second violation is
		// final.
		prep.turn.Metadata.Regenerated = true
		retryReq := prep.request
		retryReq.Messages = buildPromptMessages(
			prep.systemPrompt+"\n\n"+stricterDirective, prep.history, prep.turn.UserMessage)
		res, err = e.generator.Generate(ctx, retryReq)
		if err != nil {
			e.persistFailure(prep.turn, err)
			return TurnResult{}, e.providerError(ctx, err)
		}
		reply = res.Text
		if retryCheck := e.validator.Validate(reply, prep.cfg.Guardrails, guardrails.StageOutput); !retryCheck.Allowed {
			prep.turn.Metadata.Violations = append(prep.turn.Metadata.Violations, retryCheck.Violations...)
			return e.finalizeRejection(prep, started), nil
		}
	}

	turn := prep.turn
	turn.Reply = reply
	turn.Status = domain.StatusCompleted
	now := time.Now()
	turn.CompletedAt = &now
	turn.Metadata.PromptTokens = res.Usage.PromptTokens
	turn.Metadata.CompletionTokens = res.Usage.CompletionTokens
	turn.Metadata.LatencyMS = time.Since(started).Milliseconds()
	turn.Metadata.FinishReason = res.FinishReason
	if res.Model != "" {
		turn.Metadata.Model = res.Model
	}

	if err := e.store.AppendTurn(ctx, turn); err != nil {
		// The generation succeeded, so the reply goes back to the caller
		// anyway; the missing record is an operational reconciliation
		// problem, not a user-facing failure.
		e.logger.Error("turn persistence failed after successful generation",
			"turnId", turn.TurnID, "sessionId", turn.SessionID, "err", err)
		turn.Status = domain.StatusFailed
		turn.Metadata.FailureKind = string(ErrorStoreUnavailable)
		if errors.Is(err, repository.ErrDuplicateTurn) {
			turn.Metadata.FailureKind = "DUPLICATE_TURN"
		}
	}

	return TurnResult{
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		Reply:     turn.Reply,
		Status:    turn.Status,
		Metadata:  turn.Metadata,
	}, nil
}

// preparedTurn carries everything the generation stages need once the
// pre-generation stages (persona load, input validation, prompt composition)
// have run.
type preparedTurn struct {
	cfg          domain.PersonaConfig
	turn         domain.ConversationTurn
	history      []domain.ConversationTurn
	systemPrompt string
	request      provider.Request
	rejected     *TurnResult // set when input validation rejected the turn
}

// prepareTurn runs every stage up to (but not including) the provider call.
// A guardrail rejection comes back as prep.rejected with a nil error so the
// provider is provably never invoked for rejected input.
func (e *Engine) prepareTurn(ctx context.Context, in TurnInput) (preparedTurn, error) {
	message := strings.TrimSpace(in.UserMessage)
	if message == "" {
		return preparedTurn{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > e.opts.MaxMessageLen {
		return preparedTurn{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	personaID := strings.TrimSpace(in.PersonaID)
	if personaID == "" {
		return preparedTurn{}, newError(ErrorInvalidInput, "empty_persona_id", nil)
	}

	cfg, err := e.configs.GetPersonaConfig(ctx, personaID)
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			return preparedTurn{}, newError(ErrorConfigNotFound, "unknown_persona", err)
		}
		return preparedTurn{}, newError(ErrorStoreUnavailable, "config_store_error", err)
	}

	sessionID := strings.TrimSpace(in.SessionID)
	newSession := sessionID == ""
	if newSession {
		sessionID = newTurnID()
	} else {
		count, err := e.store.GetSessionTurnCount(ctx, sessionID)
		if err != nil {
			return preparedTurn{}, newError(ErrorStoreUnavailable, "turn_count_error", err)
		}
		if count >= e.opts.MaxSessionTurns {
			return preparedTurn{}, newError(ErrorInvalidInput, "session_turn_limit", nil)
		}
	}

	turn := domain.ConversationTurn{
		TurnID:      newTurnID(),
		SessionID:   sessionID,
		PersonaID:   cfg.PersonaID,
		UserMessage: message,
		Status:      domain.StatusPending,
		CreatedAt:   time.Now().UTC(),
		Metadata: domain.TurnMetadata{
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			MaxTokens:   cfg.MaxTokens,
		},
	}

	inputCheck := e.validator.Validate(message, cfg.Guardrails, guardrails.StageInput)
	if !inputCheck.Allowed {
		turn.Metadata.Violations = inputCheck.Violations
		prep := preparedTurn{cfg: cfg, turn: turn}
		rejected := e.finalizeRejection(prep, time.Now())
		return preparedTurn{rejected: &rejected}, nil
	}

	var history []domain.ConversationTurn
	if !newSession {
		history, err = e.store.GetRecentHistory(ctx, sessionID, e.opts.MaxHistoryTurns)
		if err != nil {
			return preparedTurn{}, newError(ErrorStoreUnavailable, "history_error", err)
		}
	}

	directives := renderGuardrailDirectives(cfg.Guardrails, e.logger)
	systemPrompt := composeSystemPrompt(cfg, directives)

	return preparedTurn{
		cfg:          cfg,
		turn:         turn,
		history:      history,
		systemPrompt: systemPrompt,
		request: provider.Request{
			Model:          cfg.Model,
			Messages:       buildPromptMessages(systemPrompt, history, message),
			Temperature:    cfg.Temperature,
			TopP:           cfg.TopP,
			MaxTokens:      cfg.MaxTokens,
			ResponseFormat: cfg.ResponseFormat,
		},
	}, nil
}

// finalizeRejection persists the rejected turn and builds the caller-facing
// result. The raw violation detail never leaves turn metadata.
func (e *Engine) finalizeRejection(prep preparedTurn, started time.Time) TurnResult {
	turn := prep.turn
	turn.Status = domain.StatusRejected
	now := time.Now()
	turn.CompletedAt = &now
	turn.Metadata.LatencyMS = time.Since(started).Milliseconds()

	// Persist best effort: a rejection is already terminal for the caller
	// even when the audit record cannot be written.
	if err := e.store.AppendTurn(context.Background(), turn); err != nil {
		e.logger.Error("rejected turn persistence failed",
			"turnId", turn.TurnID, "sessionId", turn.SessionID, "err", err)
	}

	return TurnResult{
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		Reply:     rejectionReply,
		Status:    domain.StatusRejected,
		Metadata:  turn.Metadata,
	}
}

// persistFailure records a failed turn best effort so attempts never stay
// stuck in pending.
func (e *Engine) persistFailure(turn domain.ConversationTurn, cause error) {
	turn.Status = domain.StatusFailed
	now := time.Now()
	turn.CompletedAt = &now
	turn.Metadata.FailureKind = string(provider.Classify(cause).Kind)

	if err := e.store.AppendTurn(context.Background(), turn); err != nil {
		e.logger.Error("failed turn persistence failed",
			"turnId", turn.TurnID, "sessionId", turn.SessionID, "err", err)
	}
}

// providerError maps an exhausted provider failure onto the engine taxonomy.
// Deadline exhaustion of the turn itself wins over the provider's own kind.
func (e *Engine) providerError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return newError(ErrorInternalTimeout, "turn_deadline_exceeded", err)
	}
	switch provider.Classify(err).Kind {
	case provider.KindRateLimited:
		return newError(ErrorProviderRateLimited, "provider_rate_limited", err)
	case provider.KindTimeout:
		return newError(ErrorProviderTimeout, "provider_timeout", err)
	case provider.KindInvalidRequest:
		return newError(ErrorProviderInvalidRequest, "provider_invalid_request", err)
	case provider.KindUnavailable:
		return newError(ErrorProviderUnavailable, "provider_unavailable", err)
	default:
		return newError(ErrorInternal, "provider_error", err)
	}
}

var newTurnID = func() string {
	return uuid.NewString()
}
