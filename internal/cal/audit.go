package cal

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Selection is one line of the run's calibration audit trail.
type Selection struct {
	Session uuid.UUID
	Item    string
	Key     string
	Outcome string
	At      time.Time
}

func (e *Engine) record(item, key, outcome string) {
	e.auditMu.Lock()
	e.audit = append(e.audit, Selection{
		Session: e.session,
		Item:    item,
		Key:     key,
		Outcome: outcome,
		At:      time.Now().UTC(),
	})
	e.auditMu.Unlock()

	if e.met != nil {
		e.met.Selections.WithLabelValues(item, outcome).Inc()
	}
	e.logger.Debug("calibration resolved",
		zap.String("session", e.session.String()),
		zap.String("item", item),
		zap.String("key", key),
		zap.String("outcome", outcome))
}

// Selections returns a copy of the audit trail so far.
func (e *Engine) Selections() []Selection {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	out := make([]Selection, len(e.audit))
	copy(out, e.audit)
	return out
}
