package generation

import (
	"context"
	"sync"
)

type scriptedGenerator struct {
	mu        sync.Mutex
	responses []func(ctx context.Context) (Completion, error)
	prompts   []string
	samplings []Sampling
}

func (g *scriptedGenerator) then(text string) *scriptedGenerator {
	g.responses = append(g.responses, func(context.Context) (Completion, error) {
		return Completion{Text: text, Model: "fake-model", Usage: &TokenUsage{PromptTokens: 10, CandidateTokens: 5, TotalTokens: 15}}, nil
	})
	return g
}

func (g *scriptedGenerator) fail(err error, times int) *scriptedGenerator {
	for i := 0; i < times; i++ {
		g.responses = append(g.responses, func(context.Context) (Completion, error) {
			return Completion{}, err
		})
	}
	return g
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, sampling Sampling) (Completion, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.samplings = append(g.samplings, sampling)
	if len(g.responses) == 0 {
		g.mu.Unlock()
		return Completion{}, context.Canceled
	}
	next := g.responses[0]
	if len(g.responses) > 1 {
		g.responses = g.responses[1:]
	}
	g.mu.Unlock()
	return next(ctx)
}

func (g *scriptedGenerator) Name() string { return "fake" }

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}
