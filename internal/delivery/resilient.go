package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mailtask/internal/mailer"
	"mailtask/internal/observability"
	"mailtask/internal/providers/mailapi"
)

// Transport is a raw mail provider call.
type Transport interface {
	Send(ctx context.Context, msg mailer.Message) (mailapi.Result, error)
}

// ResilientSender puts a per-pod rate limit and a circuit breaker in front of
// the provider and retries in place only on explicit throttling answers.
type ResilientSender struct {
	Transport  Transport
	Limiter    *rate.Limiter
	Breaker    *gobreaker.CircuitBreaker
	MaxRetries int
	Timeout    time.Duration
	Logger     *slog.Logger

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBreaker returns the breaker settings used for the mail provider.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
}

func (r *ResilientSender) Send(ctx context.Context, msg mailer.Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := r.wait(ctx, mailapi.Backoff(attempt-1)); err != nil {
				return "", err
			}
		}

		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				observability.ProviderSends.WithLabelValues("rate_limited_local", "0").Inc()
				return "", fmt.Errorf("rate limiter: %w", err)
			}
		}

		res, err := r.call(ctx, msg)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.ProviderSends.WithLabelValues("cb_open", "0").Inc()
			return "", err
		}
		if err == nil {
			observability.ProviderSends.WithLabelValues("ok", strconv.Itoa(res.HTTPStatus)).Inc()
			return res.MessageID, nil
		}

		lastErr = err
		observability.ProviderSends.WithLabelValues("error", strconv.Itoa(res.HTTPStatus)).Inc()
		if !mailapi.ShouldRetry(err) {
			return "", err
		}
		r.logger().Warn("mail provider throttled, retrying", "attempt", attempt+1, "http_status", res.HTTPStatus)
	}
	return "", fmt.Errorf("mail provider retries exhausted: %w", lastErr)
}

func (r *ResilientSender) call(ctx context.Context, msg mailer.Message) (mailapi.Result, error) {
	send := func() (mailapi.Result, error) {
		if r.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}
		return r.Transport.Send(ctx, msg)
	}
	if r.Breaker == nil {
		return send()
	}

	var res mailapi.Result
	_, err := r.Breaker.Execute(func() (any, error) {
		var err error
		res, err = send()
		return nil, err
	})
	return res, err
}

func (r *ResilientSender) wait(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ResilientSender) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
