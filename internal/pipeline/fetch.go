package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

// fetch waits on the pacer and fetches url, retrying as the policy allows.
// Exhausted attempts are reported as *crawler.FetchError.
func (p *Pipeline) fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		if err := p.deps.Pacer.Wait(ctx, url); err != nil {
			return crawler.FetchResponse{}, err
		}
		resp, err := p.deps.Fetcher.Fetch(ctx, url)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", url, ctxErr)
		}
		if !p.deps.Retry.ShouldRetry(err, attempt) {
			return crawler.FetchResponse{}, &crawler.FetchError{URL: url, Attempts: attempt, Err: err}
		}
		delay := p.deps.Retry.Backoff(attempt)
		p.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", url, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
