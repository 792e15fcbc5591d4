package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/joeycumines/go-catrate"
)

// DefaultRates allows a burst of five messages per category per second and
// twenty per minute.
var DefaultRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 20,
}

// Limiter drops repeated log records of the same category once a rate limit
// is reached. A nil *Limiter discards every record.
type Limiter struct {
	logger *slog.Logger
	rates  *catrate.Limiter
}

// NewLimiter wraps logger with category rate limits. A nil rates map selects
// DefaultRates.
func NewLimiter(logger *slog.Logger, rates map[time.Duration]int) *Limiter {
	if rates == nil {
		rates = DefaultRates
	}
	return &Limiter{logger: logger, rates: catrate.NewLimiter(rates)}
}

// Log emits the record unless category is currently limited. The record
// that trips the limit carries a "limited_until" attribute. Log reports
// whether the record was written.
func (l *Limiter) Log(ctx context.Context, level slog.Level, category any, msg string, args ...any) bool {
	if l == nil {
		return false
	}
	next, ok := l.rates.Allow(category)
	if !ok {
		return false
	}
	if !next.IsZero() {
		args = append(args, "limited_until", next.Format(time.RFC3339Nano))
	}
	l.logger.Log(ctx, level, msg, args...)
	return true
}

// Warn is Log at slog.LevelWarn with a background context.
func (l *Limiter) Warn(category any, msg string, args ...any) bool {
	return l.Log(context.Background(), slog.LevelWarn, category, msg, args...)
}
