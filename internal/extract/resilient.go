package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

// Resilient wraps a primary extractor with a per-call timeout, bounded
// exponential-backoff retries and a deterministic fallback.
type Resilient struct {
	primary     SemanticExtractor
	fallback    SemanticExtractor
	timeout     time.Duration
	maxAttempts int
	backoff     func() backoff.BackOff
	logger      *zap.Logger
}

// NewResilient creates the wrapper. A nil primary means the fallback is used directly.
func NewResilient(primary, fallback SemanticExtractor, timeout time.Duration, maxAttempts int, logger *zap.Logger) *Resilient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Resilient{
		primary:     primary,
		fallback:    fallback,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
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

// Extract tries the primary collaborator, degrading to the fallback on
// timeout, repeated transient failure or an unrecoverable response.
func (r *Resilient) Extract(ctx context.Context, rec model.RawRecord) (*Extraction, error) {
	if r.primary == nil {
		return r.fallback.Extract(ctx, rec)
	}

	var out *Extraction
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		res, err := r.primary.Extract(callCtx, rec)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && !errors.Is(err, faults.ErrCollaboratorTimeout) {
				err = fmt.Errorf("%w: %w", faults.ErrCollaboratorTimeout, err)
			}
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(r.backoff(), uint64(r.maxAttempts-1)), ctx)
	err := backoff.Retry(op, policy)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.logger.Warn("semantic extraction degraded to fallback",
		zap.String("record", rec.ID),
		zap.String("primary", r.primary.Name()),
		zap.String("kind", faults.Kind(err)),
		zap.Error(err))

	res, ferr := r.fallback.Extract(ctx, rec)
	if ferr != nil {
		return nil, fmt.Errorf("extract fallback: %w", ferr)
	}
	res.Degraded = true
	return res, nil
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	if errors.Is(err, faults.ErrMalformedResponse) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return true
}

// New builds the extractor selected by cfg.
func New(cfg Config, logger *zap.Logger) SemanticExtractor {
	rule := NewRuleExtractor()
	if cfg.Provider != "remote" || cfg.Endpoint == "" {
		return rule
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	return NewResilient(NewRemoteExtractor(cfg), rule, timeout, cfg.MaxAttempts, logger)
}
