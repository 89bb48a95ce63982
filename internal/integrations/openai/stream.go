package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"animalchat-engine/internal/provider"
)

// streamChunk is the minimal shape of one SSE data event from the Chat
// Completions endpoint in streaming mode.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

// sseStream adapts the event-stream response body to provider.Stream. The
// final chunk before io.EOF carries the aggregate usage supplied by the
// include_usage stream option.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
	closeErr  error

	finishReason string
	usage        *provider.Usage
	done         bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &sseStream{body: body, scanner: sc}
}

// StreamComplete opens a streaming chat completion. Chunks arrive in order;
// the caller owns the returned stream and must Close it, including on
// mid-stream cancellation, to release the connection.
func (c *Client) StreamComplete(ctx context.Context, req provider.Request) (provider.Stream, error) {
	res, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return newSSEStream(res.Body), nil
}

// Recv returns the next chunk. After the upstream [DONE] marker it emits one
// final chunk with the aggregate usage, then io.EOF.
func (s *sseStream) Recv() (provider.Chunk, error) {
	if s.done {
		return provider.Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return s.finish(nil)
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed keep-alive noise rather than killing the stream.
			continue
		}
		if chunk.Usage != nil {
			s.usage = &provider.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
		}
		if choice.Delta.Content == "" {
			continue
		}
		return provider.Chunk{Text: choice.Delta.Content}, nil
	}

	return s.finish(s.scanner.Err())
}

// finish emits the terminal usage chunk exactly once, then reports EOF or
// the underlying read error on subsequent calls.
func (s *sseStream) finish(scanErr error) (provider.Chunk, error) {
	s.done = true
	_ = s.Close()
	if scanErr != nil {
		return provider.Chunk{}, &provider.Error{
			Kind: provider.KindUnavailable, Message: "stream interrupted", Err: scanErr,
		}
	}
	usage := s.usage
	if usage == nil {
		usage = &provider.Usage{}
	}
	return provider.Chunk{FinishReason: s.finishReason, Usage: usage}, nil
}

// Close releases the underlying connection. Safe to call concurrently and
// more than once.
func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
