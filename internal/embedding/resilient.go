package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nidhogg/hippocampus/internal/faults"
	"go.uber.org/zap"
)

// Resilient wraps a primary provider with a per-call timeout, bounded
// exponential-backoff retries and the hashing placeholder as fallback.
type Resilient struct {
	primary     Provider
	fallback    *HashProvider
	timeout     time.Duration
	maxAttempts int
	backoff     func() backoff.BackOff
	logger      *zap.Logger
}

// NewResilient creates the wrapper. A nil primary always yields placeholder vectors.
func NewResilient(primary Provider, dimension int, timeout time.Duration, maxAttempts int, logger *zap.Logger) *Resilient {
	if primary != nil && primary.Dimension() > 0 {
		dimension = primary.Dimension()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Resilient{
		primary:     primary,
		fallback:    NewHashProvider(dimension),
		timeout:     timeout,
		maxAttempts: maxAttempts,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		logger: logger,
	}
}

func (r *Resilient) Name() string {
	if r.primary == nil {
		return r.fallback.Name()
	}
	return r.primary.Name() + "+" + r.fallback.Name()
}

func (r *Resilient) Dimension() int { return r.fallback.Dimension() }

// Embed satisfies Provider, hiding whether the fallback was used.
func (r *Resilient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, _, err := r.EmbedWithStatus(ctx, texts)
	return vecs, err
}

// EmbedWithStatus embeds texts and reports whether placeholder vectors were used.
func (r *Resilient) EmbedWithStatus(ctx context.Context, texts []string) ([][]float32, bool, error) {
	if r.primary == nil {
		vecs, err := r.fallback.Embed(ctx, texts)
		return vecs, true, err
	}

	var out [][]float32
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		vecs, err := r.primary.Embed(callCtx, texts)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w: %w", faults.ErrCollaboratorTimeout, err)
			}
			var se *StatusError
			if errors.As(err, &se) && !se.Transient() {
				return backoff.Permanent(err)
			}
			return err
		}
		for _, v := range vecs {
			if len(v) != r.fallback.Dimension() {
				return backoff.Permanent(fmt.Errorf("embedding: dimension %d, want %d: %w",
					len(v), r.fallback.Dimension(), faults.ErrMalformedResponse))
			}
		}
		out = vecs
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(r.backoff(), uint64(r.maxAttempts-1)), ctx)
	err := backoff.Retry(op, policy)
	if err == nil {
		return out, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	r.logger.Warn("embedding degraded to placeholder vectors",
		zap.String("primary", r.primary.Name()),
		zap.Int("texts", len(texts)),
		zap.String("kind", faults.Kind(err)),
		zap.Error(err))

	vecs, ferr := r.fallback.Embed(ctx, texts)
	return vecs, true, ferr
}

// New builds the provider selected by cfg, always wrapped with the fallback.
func New(cfg Config, logger *zap.Logger) *Resilient {
	var primary Provider
	switch cfg.Provider {
	case "api":
		primary = NewAPIProvider(cfg)
	case "local":
		primary = NewLocalProvider(cfg)
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	return NewResilient(primary, cfg.Dimension, timeout, cfg.MaxAttempts, logger)
}
