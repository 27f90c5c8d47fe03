package filter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/lock"
)

// LockName is the lock that serializes strict-mode checks.
const LockName = "filter"

// Strict serializes every check behind a named lock so no two callers can both see "new".
type Strict struct {
	inner  crawler.Filter
	locker lock.Locker
	name   string
	wait   time.Duration
	hold   time.Duration
	logger *zap.Logger
}

// NewStrict wraps inner. If the lock is not acquired within wait, the check runs unlocked.
func NewStrict(inner crawler.Filter, locker lock.Locker, name string, wait, hold time.Duration, logger *zap.Logger) *Strict {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = LockName
	}
	return &Strict{inner: inner, locker: locker, name: name, wait: wait, hold: hold, logger: logger}
}

// IsRepeat implements crawler.Filter.
func (s *Strict) IsRepeat(ctx context.Context, fingerprint string) (bool, error) {
	var repeat bool
	ran, err := lock.With(ctx, s.locker, s.name, s.wait, s.hold, func(ctx context.Context) error {
		var ierr error
		repeat, ierr = s.inner.IsRepeat(ctx, fingerprint)
		return ierr
	})
	if err != nil {
		return false, fmt.Errorf("strict filter: %w", err)
	}
	if ran {
		return repeat, nil
	}
	s.logger.Warn("filter lock busy, checking without lock", zap.String("lock", s.name))
	return s.inner.IsRepeat(ctx, fingerprint)
}
