// Package store provides the session history journal.
package store

import (
	"context"
	"time"

	"github.com/vulnzero/machines/internal/domain"
)

// Repository records session lifetimes and flag attempts. It is an audit
// trail only; active sessions live in memory.
type Repository interface {
	// RecordSessionStart appends a newly provisioned session.
	RecordSessionStart(ctx context.Context, s domain.Session) error

	// RecordSessionEnd closes a session's record with the given reason.
	RecordSessionEnd(ctx context.Context, sessionID string, endedAt time.Time, reason string) error

	// RecordFlagSubmission appends a flag attempt.
	RecordFlagSubmission(ctx context.Context, sub domain.FlagSubmission) error

	// ListUserSessions returns a user's most recent sessions, newest first.
	ListUserSessions(ctx context.Context, userID string, limit int) ([]domain.SessionRecord, error)

	// CloseOrphanedSessions ends every record still open, used at startup
	// when no session from a previous process can still be alive.
	CloseOrphanedSessions(ctx context.Context, endedAt time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Nop is the Repository used when the journal is disabled.
type Nop struct{}

func (Nop) RecordSessionStart(context.Context, domain.Session) error { return nil }
func (Nop) RecordSessionEnd(context.Context, string, time.Time, string) error {
	return nil
}
func (Nop) RecordFlagSubmission(context.Context, domain.FlagSubmission) error { return nil }
func (Nop) ListUserSessions(context.Context, string, int) ([]domain.SessionRecord, error) {
	return nil, nil
}
func (Nop) CloseOrphanedSessions(context.Context, time.Time) (int64, error) { return 0, nil }
func (Nop) Ping(context.Context) error                                      { return nil }
func (Nop) Close() error                                                    { return nil }

var _ Repository = Nop{}
