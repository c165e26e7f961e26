// Package mock provides a scripted test double for llm.Provider.
//
// Replies are consumed in order from [Provider.Script]; once exhausted the
// last entry repeats. Each step may carry content or an error, which makes it
// easy to simulate a malformed reply followed by a valid one.
//
//	p := &mock.Provider{Script: []mock.Step{
//	    {Content: "not json"},
//	    {Content: `{"new": [], "updated": []}`},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/mnemo/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Step is one scripted reply.
type Step struct {
	Content string
	Err     error
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Script is the ordered list of replies.
	Script []Step

	// Respond, when set, takes precedence over Script.
	Respond func(req llm.CompletionRequest) (string, error)

	// Caps is returned by Capabilities.
	Caps llm.ModelCapabilities

	// Model is returned by ModelID.
	Model string

	// Calls records every request in order.
	Calls []llm.CompletionRequest
}

// Complete records req and returns the next scripted reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	n := len(p.Calls)
	p.Calls = append(p.Calls, req)
	respond := p.Respond
	var step Step
	if len(p.Script) > 0 {
		step = p.Script[min(n, len(p.Script)-1)]
	}
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if respond != nil {
		content, err := respond(req)
		if err != nil {
			return nil, err
		}
		return &llm.CompletionResponse{Content: content, FinishReason: "stop"}, nil
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &llm.CompletionResponse{Content: step.Content, FinishReason: "stop"}, nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.Caps }

// ModelID returns Model.
func (p *Provider) ModelID() string { return p.Model }

// CallCount returns the number of Complete calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
