package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"animalchat-engine/internal/domain"
	"animalchat-engine/internal/guardrails"
	"animalchat-engine/internal/provider"
)

// TurnStream is the handle returned by SubmitTurnStream. Chunks arrive in
// order; after io.EOF the consumer reads the terminal outcome from Result.
// Closing mid-stream releases the provider connection and persists the turn
// as failed so it never sits in pending forever.
type TurnStream struct {
	engine *Engine
	inner  provider.Stream
	cancel context.CancelFunc
	prep   preparedTurn

	started time.Time
	buf     strings.Builder
	usage   provider.Usage
	finish  string

	mu     sync.Mutex
	done   bool
	result TurnResult
}

// SubmitTurnStream runs the pre-generation stages, then hands back a live
// stream. Input guardrail rejections terminate before any provider call,
// exactly as in the non-streaming path, and come back as an already-finished
// stream. Output validation runs once the stream drains; a violation at that
// point marks the turn rejected in Result even though chunks were already
// delivered, and the engine never persists the unsafe text.
func (e *Engine) SubmitTurnStream(ctx context.Context, in TurnInput) (*TurnStream, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.TurnDeadline)

	prep, err := e.prepareTurn(ctx, in)
	if err != nil {
		cancel()
		return nil, err
	}
	if prep.rejected != nil {
		cancel()
		return &TurnStream{done: true, result: *prep.rejected}, nil
	}

	stream, err := e.generator.GenerateStream(ctx, prep.request)
	if err != nil {
		e.persistFailure(prep.turn, err)
		perr := e.providerError(ctx, err)
		cancel()
		return nil, perr
	}

	return &TurnStream{
		engine:  e,
		inner:   stream,
		cancel:  cancel,
		prep:    prep,
		started: time.Now(),
	}, nil
}

// Recv returns the next text chunk, then io.EOF once the turn has reached a
// terminal state.
func (s *TurnStream) Recv() (provider.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return provider.Chunk{}, io.EOF
	}

	chunk, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.finalizeLocked()
			return provider.Chunk{}, io.EOF
		}
		s.failLocked(err)
		return provider.Chunk{}, err
	}

	s.buf.WriteString(chunk.Text)
	if chunk.Usage != nil {
		s.usage = *chunk.Usage
	}
	if chunk.FinishReason != "" {
		s.finish = chunk.FinishReason
	}
	return chunk, nil
}

// Result returns the terminal outcome. ok is false until the stream has
// drained or been closed.
func (s *TurnStream) Result() (TurnResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.done
}

// Close cancels the in-flight generation and releases the connection. A
// stream closed before draining persists the turn as failed.
func (s *TurnStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	s.failLocked(errors.New("usecase: stream closed before completion"))
	return nil
}

// finalizeLocked validates and persists the fully drained reply.
func (s *TurnStream) finalizeLocked() {
	defer s.teardown()
	s.done = true

	e := s.engine
	reply := s.buf.String()
	turn := s.prep.turn

	outputCheck := e.validator.Validate(reply, s.prep.cfg.Guardrails, guardrails.StageOutput)
	if !outputCheck.Allowed {
		turn.Metadata.Violations = outputCheck.Violations
		prep := s.prep
		prep.turn = turn
		s.result = e.finalizeRejection(prep, s.started)
		return
	}

	turn.Reply = reply
	turn.Status = domain.StatusCompleted
	now := time.Now()
	turn.CompletedAt = &now
	turn.Metadata.PromptTokens = s.usage.PromptTokens
	turn.Metadata.CompletionTokens = s.usage.CompletionTokens
	turn.Metadata.LatencyMS = time.Since(s.started).Milliseconds()
	turn.Metadata.FinishReason = s.finish

	if err := e.store.AppendTurn(context.Background(), turn); err != nil {
		e.logger.Error("streamed turn persistence failed after successful generation",
			"turnId", turn.TurnID, "sessionId", turn.SessionID, "err", err)
		turn.Status = domain.StatusFailed
		turn.Metadata.FailureKind = string(ErrorStoreUnavailable)
	}

	s.result = TurnResult{
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		Reply:     turn.Reply,
		Status:    turn.Status,
		Metadata:  turn.Metadata,
	}
}

// failLocked marks the turn failed after a mid-stream error or cancellation.
func (s *TurnStream) failLocked(cause error) {
	defer s.teardown()
	s.done = true

	s.prep.turn.Metadata.FailureKind = string(provider.Classify(cause).Kind)
	s.engine.persistFailure(s.prep.turn, cause)
	s.result = TurnResult{
		TurnID:    s.prep.turn.TurnID,
		SessionID: s.prep.turn.SessionID,
		Status:    domain.StatusFailed,
		Metadata:  s.prep.turn.Metadata,
	}
}

func (s *TurnStream) teardown() {
	if s.inner != nil {
		_ = s.inner.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
}
