package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaycore/conductor/internal/agentkernel"
	"github.com/relaycore/conductor/internal/conversation"
)

// devModel is the placeholder ModelClient wired when no provider adapter
// is configured: it echoes the latest user message so the whole pipeline
// (streaming, persistence, events) can be exercised without credentials.
// Real provider adapters implement agentkernel.ModelClient and replace
// this at wiring time.
type devModel struct{}

func newDevModel() agentkernel.ModelClient { return devModel{} }

func (devModel) Generate(ctx context.Context, req agentkernel.GenerateRequest, onChunk agentkernel.StreamChunkFunc) (*agentkernel.GenerateResponse, error) {
	last := ""
	for i := len(req.Context) - 1; i >= 0; i-- {
		if req.Context[i].Role == conversation.RoleUser && req.Context[i].Content != "" {
			last = req.Context[i].Content
			break
		}
	}

	text := fmt.Sprintf("No model provider is configured. You said: %s", strings.TrimSpace(last))
	if onChunk != nil {
		onChunk(text)
	}
	return &agentkernel.GenerateResponse{
		Text: text,
		Usage: conversation.Usage{
			PromptTokens:     len(last) / 4,
			CompletionTokens: len(text) / 4,
			Model:            "dev-echo",
		},
	}, nil
}
