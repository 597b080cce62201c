package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// StubFallback wraps a Generator so that a generation call never fails: when
// the inner provider errors (or none is configured) it returns a
// deterministic templated completion flagged Stubbed. Compose it around the
// real provider when wiring the engine; handlers stay free of fallback
// branching.
type StubFallback struct {
	inner  Generator
	logger *zap.Logger
}

// NewStubFallback wraps inner with the stub fallback. inner may be nil, in
// which case every call is stubbed.
func NewStubFallback(inner Generator, logger *zap.Logger) *StubFallback {
	return &StubFallback{inner: inner, logger: logger}
}

// Generate tries the inner provider and degrades to the stub on any error.
func (s *StubFallback) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if s.inner != nil {
		resp, err := s.inner.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		s.logger.Warn("generation provider failed, using stub response", zap.Error(err))
	}
	return stubResponse(req), nil
}

// stubResponse builds the deterministic fallback completion. Its content is
// a pure function of the request so repeated failures produce identical
// output.
func stubResponse(req *GenerateRequest) *GenerateResponse {
	prompt := req.UserPrompt
	if len(prompt) > 160 {
		prompt = prompt[:160]
	}
	return &GenerateResponse{
		Completion: fmt.Sprintf("[stubbed response] Unable to reach a generation provider. Prompt received: %s", prompt),
		Model:      req.Model,
		Provider:   "stub",
		Stubbed:    true,
	}
}
