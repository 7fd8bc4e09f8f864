// ABOUTME: Scripted llms.Model used by the llm package tests
// ABOUTME: Records every request and replays canned outputs in order

package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	mu       sync.Mutex
	outputs  []string
	err      error
	requests [][]llms.MessageContent
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, messages)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.outputs) == 0 {
		return nil, errors.New("fake model: no output scripted")
	}
	out := f.outputs[0]
	f.outputs = f.outputs[1:]
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: out}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func textOf(m llms.MessageContent) string {
	var s string
	for _, p := range m.Parts {
		if tc, ok := p.(llms.TextContent); ok {
			s += tc.Text
		}
	}
	return s
}
