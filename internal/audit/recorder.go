package audit

import (
	"context"

	"github.com/ledgerline/session-core/internal/infrastructure/logging"
)

// Recorder adapts a Repository for the session controller, which only
// needs to fire events, never read them back. Write failures are
// logged and swallowed: a broken audit trail must not block a login or
// a logout.
type Recorder struct {
	repo   Repository
	logger *logging.Logger
}

// NewRecorder creates a Recorder over repo.
func NewRecorder(repo Repository, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

// RecordAuthEvent writes one auth lifecycle event to the trail.
func (r *Recorder) RecordAuthEvent(ctx context.Context, action, outcome, userID, deviceID string, details map[string]any) {
	event := &Event{
		Action:   action,
		Outcome:  outcome,
		UserID:   userID,
		DeviceID: deviceID,
		Source:   "controller",
		Details:  details,
	}
	if err := r.repo.Create(ctx, event); err != nil {
		r.logger.Error("writing audit event failed",
			"action", action, "outcome", outcome, "error", err)
	}
}
