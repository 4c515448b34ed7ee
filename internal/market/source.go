package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Source fetches raw candles from one upstream market-data API. Returned
// series are cleaned (no point without open/close) and ordered ascending by
// time. An empty result is legitimate for illiquid instruments.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error)
}

// ErrRateLimited marks an explicit rate-limit response from an upstream.
var ErrRateLimited = errors.New("upstream rate limited")

// ErrUntranslatable marks a symbol the crypto upstream has no format for.
var ErrUntranslatable = errors.New("symbol not translatable for upstream")

// UpstreamError is a typed non-success upstream response.
type UpstreamError struct {
	Source     string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s upstream error (%d): %s", e.Source, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s upstream error (%d)", e.Source, e.StatusCode)
}

// statusError maps an HTTP status to the error taxonomy.
func statusError(source string, status int, body []byte) error {
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", source, ErrRateLimited)
	}
	msg := ""
	if len(body) > 0 {
		const max = 256
		if len(body) > max {
			body = body[:max]
		}
		msg = string(body)
	}
	return &UpstreamError{Source: source, StatusCode: status, Message: msg}
}
