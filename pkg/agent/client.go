package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/dqagent/internal/config"
	"github.com/harun/dqagent/internal/observability"
	"github.com/harun/dqagent/internal/tracing"
	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = time.Second
	defaultCooldown       = time.Minute
	breakerTripFailures   = 5
	breakerOpenTimeout    = 30 * time.Second
)

// ErrNoProfileAvailable is returned when every auth profile is cooling down.
var ErrNoProfileAvailable = errors.New("no auth profile available")

// Config holds client configuration
type Config struct {
	Profiles        []AuthProfile
	ProviderFactory ProviderCreator
	Logger          zerolog.Logger

	Temperature   float64
	MaxTokens     int
	MaxRetries    int           // attempts per profile for retryable errors
	SchemaRetries int           // extra attempts after structurally invalid output
	Timeout       time.Duration // per provider call; zero means no extra deadline

	RetryBaseDelay time.Duration // first backoff delay, doubled per attempt
	Cooldown       time.Duration // per failure; grows with the failure count
}

type profileState struct {
	profile       AuthProfile
	failureCount  int
	cooldownUntil time.Time
	breaker       *gobreaker.CircuitBreaker
	provider      LLMProvider
}

// Client is the language-model boundary. It fails over across auth profiles
// in priority order, retries transient errors with exponential backoff, and
// guards each profile with a circuit breaker.
type Client struct {
	cfg     Config
	factory ProviderCreator
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	profiles []*profileState
}

// NewClient creates a new LLM client
func NewClient(cfg Config) (*Client, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.SchemaRetries < 0 {
		cfg.SchemaRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}

	factory := cfg.ProviderFactory
	if factory == nil {
		factory = ProviderFactory{}
	}

	c := &Client{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger,
		now:     time.Now,
	}

	seen := make(map[string]bool, len(cfg.Profiles))
	for i, p := range cfg.Profiles {
		if p.ID == "" {
			p.ID = fmt.Sprintf("%s-%d", p.Provider, i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate auth profile id: %s", p.ID)
		}
		seen[p.ID] = true
		c.profiles = append(c.profiles, &profileState{
			profile: p,
			breaker: c.newBreaker(p.ID),
		})
	}

	sort.SliceStable(c.profiles, func(i, j int) bool {
		return c.profiles[i].profile.Priority < c.profiles[j].profile.Priority
	})

	return c, nil
}

// NewClientFromConfig builds a client from the application configuration.
func NewClientFromConfig(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	profiles := make([]AuthProfile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Model:    p.Model,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return NewClient(Config{
		Profiles:      profiles,
		Logger:        logger,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxRetries:    cfg.LLM.MaxRetries,
		SchemaRetries: cfg.LLM.SchemaRetries,
		Timeout:       time.Duration(cfg.LLM.Timeout) * time.Second,
	})
}

func (c *Client) newBreaker(profileID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        profileID,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about provider health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			observability.SetBreakerState(name, int(to))
			c.logger.Warn().
				Str("profileId", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

// CompleteText sends a single-turn prompt and returns the model's text.
func (c *Client) CompleteText(ctx context.Context, system, prompt string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "dqagent.agent", "agent.complete_text")
	defer span.End()

	resp, err := c.complete(ctx, LLMRequest{
		SystemPrompt: system,
		Messages:     []AgentMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// CompleteStructured asks for output conforming to schema and decodes it into
// out. Invalid output is fed back to the model up to SchemaRetries times; after
// that a *dqerr.SchemaValidationError is returned.
func (c *Client) CompleteStructured(ctx context.Context, system, prompt string, schema *Schema, out interface{}) error {
	if schema == nil {
		return errors.New("schema is required")
	}
	ctx, span := tracing.StartSpan(ctx, "dqagent.agent", "agent.complete_structured",
		attribute.String("schema", schema.Name),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	messages := []AgentMessage{{Role: "user", Content: prompt}}
	attempts := 1 + c.cfg.SchemaRetries

	var problems []string
	var raw string
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.complete(ctx, LLMRequest{
			SystemPrompt:   system,
			Messages:       messages,
			ResponseSchema: schema.Definition,
			SchemaName:     schema.Name,
		})
		if err != nil {
			tracing.FailSpan(span, err)
			return err
		}

		raw = extractJSON(resp.Content)
		problems = schema.Validate([]byte(raw))
		if len(problems) == 0 {
			err := json.Unmarshal([]byte(raw), out)
			if err == nil {
				return nil
			}
			problems = []string{fmt.Sprintf("output could not be decoded: %v", err)}
		}

		if attempt < attempts {
			observability.RecordSchemaRetry(schema.Name)
			logger.Warn().
				Str("schema", schema.Name).
				Int("attempt", attempt).
				Strs("problems", problems).
				Msg("Model output failed schema validation, retrying")
			messages = append(messages,
				AgentMessage{Role: "assistant", Content: resp.Content},
				AgentMessage{Role: "user", Content: correctionPrompt(problems)},
			)
		}
	}

	err := &dqerr.SchemaValidationError{
		Schema:   schema.Name,
		Problems: problems,
		Raw:      raw,
		Attempts: attempts,
	}
	tracing.FailSpan(span, err)
	return err
}

func correctionPrompt(problems []string) string {
	return "The previous output does not conform to the required JSON schema:\n- " +
		strings.Join(problems, "\n- ") +
		"\nReturn only a corrected JSON document that conforms to the schema."
}

// complete executes with auth profile failover
func (c *Client) complete(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, c.logger)
	req.Temperature = c.cfg.Temperature
	req.MaxTokens = c.cfg.MaxTokens

	var lastErr error
	for _, st := range c.orderedProfiles() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		profile := st.profile
		if until, cooling := c.cooldown(st); cooling {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().
				Str("profileId", profile.ID).
				Time("until", until).
				Msg("Skipping profile in cooldown")
			continue
		}
		observability.SetProviderCooldown(profile.Provider, false)

		provider, err := c.providerFor(ctx, st)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		callReq := req
		callReq.Model = ModelFor(profile)
		start := c.now()
		out, err := st.breaker.Execute(func() (interface{}, error) {
			return c.callWithRetry(ctx, provider, callReq)
		})
		if err == nil {
			observability.RecordLLMCall(profile.Provider, time.Since(start), true)
			c.markSuccess(st)
			return out.(*LLMResponse), nil
		}

		observability.RecordLLMCall(profile.Provider, time.Since(start), false)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logger.Debug().Str("profileId", profile.ID).Msg("Circuit open, trying next profile")
			continue
		}

		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")
		c.markFailure(st)

		// Don't fail over on permanent errors
		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = ErrNoProfileAvailable
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// callWithRetry calls the provider with exponential backoff retry
func (c *Client) callWithRetry(ctx context.Context, provider LLMProvider, req LLMRequest) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "dqagent.agent", "agent.call",
		attribute.String("provider", provider.Provider()),
		attribute.String("model", req.Model),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		resp, err := c.callOnce(ctx, provider, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryableError(err) {
			tracing.FailSpan(span, err)
			return nil, err
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		delay := c.cfg.RetryBaseDelay * time.Duration(1<<attempt)
		c.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Str("provider", provider.Provider()).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	tracing.FailSpan(span, lastErr)
	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) callOnce(ctx context.Context, provider LLMProvider, req LLMRequest) (*LLMResponse, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	resp, err := provider.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("provider returned no response")
	}
	return resp, nil
}

func (c *Client) orderedProfiles() []*profileState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*profileState, len(c.profiles))
	copy(out, c.profiles)
	return out
}

func (c *Client) cooldown(st *profileState) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.cooldownUntil, c.now().Before(st.cooldownUntil)
}

func (c *Client) providerFor(ctx context.Context, st *profileState) (LLMProvider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st.provider != nil {
		return st.provider, nil
	}
	provider, err := c.factory.NewProvider(ctx, st.profile)
	if err != nil {
		return nil, err
	}
	st.provider = provider
	return provider, nil
}

// markSuccess resets failure count for a profile
func (c *Client) markSuccess(st *profileState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.failureCount = 0
	st.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(st.profile.Provider, false)
}

// markFailure puts a profile into a cooldown that grows with repeated failures
func (c *Client) markFailure(st *profileState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.failureCount++
	st.cooldownUntil = c.now().Add(c.cfg.Cooldown * time.Duration(st.failureCount))
	observability.SetProviderCooldown(st.profile.Provider, true)
}
