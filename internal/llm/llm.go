// Package llm turns a predefined phrase into a short elaboration note using a
// generative text provider, degrading to a fixed fallback note on any failure.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/real-rm/golog"

	"github.com/real-rm/notifier/internal/config"
	"github.com/real-rm/notifier/internal/constants"
	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/metrics"
	"github.com/real-rm/notifier/internal/util"
)

var (
	// ErrEmptyResponse is returned when the provider produced no text
	ErrEmptyResponse = errors.New("provider returned an empty response")
	// ErrProviderAuth is returned when the provider rejected the credentials
	ErrProviderAuth = errors.New("provider rejected credentials")
	// ErrContentBlocked is returned when the provider refused on safety grounds
	ErrContentBlocked = errors.New("provider blocked the content")
)

// Provider is a generative text backend.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Generate returns the completion for req. Implementations must honour ctx.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request is one enrichment prompt.
type Request struct {
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Response is a provider completion.
type Response struct {
	Text       string
	TokensUsed int
}

// FallbackReason says why a fallback note was used.
type FallbackReason string

const (
	ReasonNone     FallbackReason = ""
	ReasonDisabled FallbackReason = "disabled"
	ReasonTimeout  FallbackReason = "timeout"
	ReasonEmpty    FallbackReason = "empty"
	ReasonAuth     FallbackReason = "auth"
	ReasonBlocked  FallbackReason = "blocked"
	ReasonError    FallbackReason = "error"
)

// Result is the outcome of Enrich. Note is never empty.
type Result struct {
	Note     string
	Fallback bool
	Reason   FallbackReason
}

// Service is the enrichment gateway.
type Service struct {
	provider    Provider
	timeout     time.Duration
	temperature float32
	maxTokens   int
	logger      *golog.Logger
	closer      func() error
}

// NewService builds the configured provider. Without an API key the service
// still works and always answers with the fallback note.
func NewService(ctx context.Context, cfg config.EnrichmentConfig, logger *golog.Logger) (*Service, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	svc := &Service{
		timeout:     cfg.Timeout,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.WithGroup("llm"),
	}

	if !cfg.Enabled() {
		svc.logger.Warn("Enrichment API key not configured, fallback notes will be used")
		return svc, nil
	}

	switch cfg.Provider {
	case config.ProviderGemini:
		gemini, err := NewGeminiProvider(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini provider: %w", err)
		}
		svc.provider = gemini
		svc.closer = gemini.Close
	case config.ProviderOpenAI:
		svc.provider = NewOpenAIProvider(cfg.APIKey, cfg.Endpoint, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Provider)
	}

	svc.logger.Info("Registered enrichment provider", "provider", svc.provider.Name(), "model", cfg.Model)
	return svc, nil
}

// NewServiceWithProvider wires an explicit provider; provider may be nil.
func NewServiceWithProvider(provider Provider, timeout time.Duration, logger *golog.Logger) *Service {
	return &Service{
		provider:    provider,
		timeout:     timeout,
		temperature: constants.DefaultEnrichTemperature,
		maxTokens:   constants.DefaultEnrichMaxTokens,
		logger:      logger.WithGroup("llm"),
	}
}

// Close releases provider resources.
func (s *Service) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

type outcome struct {
	resp *Response
	err  error
}

// Enrich asks the provider for an elaboration of phrase on behalf of sender.
// It never fails: every error, including the timeout, yields a fallback note.
func (s *Service) Enrich(ctx context.Context, phrase string, sender identity.User) Result {
	if s.provider == nil {
		return s.fallback("none", sender, ReasonDisabled, nil)
	}

	name := s.provider.Name()
	timeout := s.timeout
	if timeout <= 0 {
		timeout = constants.DefaultEnrichTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &Request{
		Prompt:      BuildPrompt(phrase, sender),
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}

	metrics.EnrichmentRequests.WithLabelValues(name).Inc()
	start := time.Now()

	done := make(chan outcome, 1)
	util.SafeGo(s.logger, "enrichment", func() {
		resp, err := s.provider.Generate(ctx, req)
		done <- outcome{resp: resp, err: err}
	})

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}
	metrics.EnrichmentLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if out.err != nil {
		return s.fallback(name, sender, classify(out.err), out.err)
	}

	note := ""
	if out.resp != nil {
		note = strings.TrimSpace(out.resp.Text)
	}
	if note == "" {
		return s.fallback(name, sender, ReasonEmpty, nil)
	}

	s.logger.Debug("Enrichment succeeded", "provider", name, "sender", sender.String(), "duration", time.Since(start))
	return Result{Note: note}
}

func (s *Service) fallback(provider string, sender identity.User, reason FallbackReason, err error) Result {
	metrics.EnrichmentFallbacks.WithLabelValues(provider, string(reason)).Inc()
	if err != nil {
		s.logger.Warn("Enrichment failed, using fallback note",
			"provider", provider,
			"reason", string(reason),
			"error", err)
	}
	return Result{
		Note:     FallbackNote(sender, reason),
		Fallback: true,
		Reason:   reason,
	}
}

func classify(err error) FallbackReason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrProviderAuth):
		return ReasonAuth
	case errors.Is(err, ErrContentBlocked):
		return ReasonBlocked
	case errors.Is(err, ErrEmptyResponse):
		return ReasonEmpty
	default:
		return ReasonError
	}
}

// FallbackNote is the fixed note used when no generated text is available.
func FallbackNote(sender identity.User, reason FallbackReason) string {
	name := sender.String()
	switch reason {
	case ReasonDisabled:
		return fmt.Sprintf("(A special thought from %s!)", name)
	case ReasonEmpty:
		return fmt.Sprintf("(%s is sending lots of love!)", name)
	case ReasonAuth:
		return fmt.Sprintf("(There was an issue connecting to the special note service for %s.)", name)
	case ReasonBlocked:
		return fmt.Sprintf("(A heartfelt thought from %s that couldn't be phrased automatically.)", name)
	default:
		return fmt.Sprintf("(%s wanted to add a special note, but there was a little hiccup!)", name)
	}
}
