package sync

import (
	"strconv"
	"time"

	"github.com/matheus3301/msgsync/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys kept in sync_state.
const (
	CheckpointLastEvent = "push.last_event_at"
	CheckpointLastDrain = "outbox.last_drain_at"
)

// Reconciler persists sync checkpoints so the host can tell how far the
// live stream got before a restart and decide whether to resync.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	return r.db.SetCheckpoint(key, value)
}

// GetCheckpoint retrieves a sync checkpoint value; empty when unset.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	v, _, err := r.db.Checkpoint(key)
	return v, err
}

// MarkTime records t (unix ms) under key for the conversation, or globally
// when conversationID is empty.
func (r *Reconciler) MarkTime(key, conversationID string, t time.Time) {
	if conversationID != "" {
		key = key + ":" + conversationID
	}
	if err := r.UpdateCheckpoint(key, strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		r.logger.Warn("failed to update checkpoint", zap.String("key", key), zap.Error(err))
	}
}

// LastTime returns the time stored by MarkTime, or the zero time.
func (r *Reconciler) LastTime(key, conversationID string) (time.Time, error) {
	if conversationID != "" {
		key = key + ":" + conversationID
	}
	v, err := r.GetCheckpoint(key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
