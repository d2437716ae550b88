// Package flags checks submitted flags against the machine catalog.
package flags

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vulnzero/machines/internal/catalog"
	"github.com/vulnzero/machines/internal/domain"
	"github.com/vulnzero/machines/internal/metrics"
	"github.com/vulnzero/machines/internal/store"
)

const (
	mismatchMessage = "Incorrect flag, try again"
	journalTimeout  = 5 * time.Second

	// Limiters idle for longer than this are dropped on the next prune.
	limiterIdleTTL   = 15 * time.Minute
	limiterPruneSize = 1024
)

// Submission is a single flag attempt.
type Submission struct {
	MachineID string
	Level     string
	Flag      string
	UserID    string
}

// Result is the award for a correct flag.
type Result struct {
	Level   domain.Level
	Points  int
	Message string
}

// Options configures a Validator.
type Options struct {
	Catalog *catalog.Catalog
	Journal store.Repository    // optional
	Metrics *metrics.Collectors // optional

	// RatePerMinute and Burst bound submissions per user. Zero disables
	// the limiter.
	RatePerMinute int
	Burst         int
	Now           func() time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Validator compares submissions with catalog secrets.
type Validator struct {
	catalog *catalog.Catalog
	journal store.Repository
	metrics *metrics.Collectors
	now     func() time.Time

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*userLimiter
}

// NewValidator creates a Validator.
func NewValidator(opts Options) *Validator {
	v := &Validator{
		catalog:  opts.Catalog,
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		now:      opts.Now,
		burst:    opts.Burst,
		limiters: make(map[string]*userLimiter),
	}
	if opts.RatePerMinute > 0 {
		v.limit = rate.Limit(float64(opts.RatePerMinute) / 60)
	}
	if v.journal == nil {
		v.journal = store.Nop{}
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Validate checks sub. A wrong flag yields a FlagMismatch error whose
// message is the same for every wrong value.
func (v *Validator) Validate(ctx context.Context, sub Submission) (Result, error) {
	if sub.MachineID == "" || sub.Level == "" || sub.Flag == "" || sub.UserID == "" {
		return Result{}, domain.NewError(domain.KindValidation, "machineId, level, flag and userId are required", nil)
	}
	level, err := domain.ParseLevel(sub.Level)
	if err != nil {
		return Result{}, domain.NewError(domain.KindValidation, "level must be user or root", err)
	}
	machine, ok := v.catalog.Lookup(sub.MachineID)
	if !ok {
		return Result{}, domain.NewError(domain.KindValidation, "invalid machine id", nil)
	}
	secret, ok := machine.Flag(level)
	if !ok {
		return Result{}, domain.NewError(domain.KindValidation, "machine has no flag for this level", nil)
	}

	if !v.allow(sub.UserID) {
		v.metrics.FlagSubmitted(string(level), string(domain.KindRateLimited))
		slog.Warn("Flag submission rate limited", "user_id", sub.UserID, "machine_id", machine.ID)
		return Result{}, domain.NewError(domain.KindRateLimited, "too many flag submissions, slow down", nil)
	}

	correct := Equal(sub.Flag, secret)
	v.record(ctx, domain.FlagSubmission{
		UserID:      sub.UserID,
		MachineID:   machine.ID,
		Level:       level,
		Correct:     correct,
		SubmittedAt: v.now(),
	})

	if !correct {
		v.metrics.FlagSubmitted(string(level), string(domain.KindFlagMismatch))
		slog.Info("Incorrect flag submitted", "user_id", sub.UserID, "machine_id", machine.ID, "level", level)
		return Result{}, domain.NewError(domain.KindFlagMismatch, mismatchMessage, nil)
	}

	v.metrics.FlagSubmitted(string(level), "ok")
	slog.Info("Flag captured", "user_id", sub.UserID, "machine_id", machine.ID, "level", level)
	return Result{
		Level:   level,
		Points:  level.Points(),
		Message: "Correct " + string(level) + " flag!",
	}, nil
}

// Equal reports whether a and b are identical. Both sides are hashed first
// so the comparison time does not depend on either length.
func Equal(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}

func (v *Validator) allow(userID string) bool {
	if v.limit == 0 {
		return true
	}
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.limiters) >= limiterPruneSize {
		v.pruneLocked(now)
	}
	ul, ok := v.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(v.limit, v.burst)}
		v.limiters[userID] = ul
	}
	ul.lastSeen = now
	return ul.limiter.AllowN(now, 1)
}

func (v *Validator) pruneLocked(now time.Time) {
	for id, ul := range v.limiters {
		if now.Sub(ul.lastSeen) > limiterIdleTTL {
			delete(v.limiters, id)
		}
	}
}

func (v *Validator) record(ctx context.Context, sub domain.FlagSubmission) {
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := v.journal.RecordFlagSubmission(jctx, sub); err != nil {
		slog.Warn("Failed to record flag submission", "error", err, "user_id", sub.UserID)
	}
}
