package logging

import "time"

// --- Queue event helpers ---
// Called by the coordinator at each lifecycle step so every client logs the
// same event names.

// TaskPublished logs a new task entering the available index.
func (l *Logger) TaskPublished(key, signed string) {
	l.Info("task_published", map[string]interface{}{
		"key":    key,
		"signed": signed,
	})
}

// TaskTransition logs a status change.
func (l *Logger) TaskTransition(key, from, to string, requeue bool) {
	fields := map[string]interface{}{
		"key":  key,
		"from": from,
		"to":   to,
	}
	if requeue {
		fields["requeue"] = true
	}
	l.Debug("task_transition", fields)
}

// TaskCleared logs a task removal.
func (l *Logger) TaskCleared(key, status string) {
	l.Debug("task_cleared", map[string]interface{}{
		"key":    key,
		"status": status,
	})
}

// ClaimGranted logs a successful claim.
func (l *Logger) ClaimGranted(key, workerID string) {
	l.Debug("claim_granted", map[string]interface{}{
		"key":    key,
		"worker": workerID,
	})
}

// ClaimContended logs a lost claim race. This is a normal outcome.
func (l *Logger) ClaimContended(key, workerID string) {
	l.Debug("claim_contended", map[string]interface{}{
		"key":    key,
		"worker": workerID,
	})
}

// ClaimStranded logs a claim whose follow-up transition failed, leaving
// ownership granted but the index stale.
func (l *Logger) ClaimStranded(key, workerID string, err error) {
	l.Warn("claim_stranded", map[string]interface{}{
		"key":    key,
		"worker": workerID,
		"error":  err.Error(),
	})
}

// SweepComplete logs the outcome of a recovery scan.
func (l *Logger) SweepComplete(scan string, scanned, fixed, failed int, duration time.Duration) {
	fields := map[string]interface{}{
		"scan":     scan,
		"scanned":  scanned,
		"fixed":    fixed,
		"duration": duration.String(),
	}
	if failed > 0 {
		fields["failed"] = failed
		l.Warn("sweep_complete", fields)
		return
	}
	l.Info("sweep_complete", fields)
}

// SweepItemFailed logs a single item a recovery scan could not fix.
func (l *Logger) SweepItemFailed(scan, key string, err error) {
	l.Warn("sweep_item_failed", map[string]interface{}{
		"scan":  scan,
		"key":   key,
		"error": err.Error(),
	})
}

// DispatchFailed logs a task callback that failed inside the dispatcher.
func (l *Logger) DispatchFailed(key string, err error) {
	l.Error("dispatch_failed", map[string]interface{}{
		"key":   key,
		"error": err.Error(),
	})
}

// IdleDetected logs the idle monitor firing.
func (l *Logger) IdleDetected(window time.Duration) {
	l.Info("queue_idle", map[string]interface{}{
		"window": window.String(),
	})
}
