package audit

import (
	"log/slog"
)

// LogHandler returns a Handler mirroring appended entries to logger.
// Useful for operators who tail structured logs instead of querying
// the chain directly.
func LogHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(entry Entry) {
		logger.Info("audit entry appended",
			"sequence", entry.Sequence,
			"entry_type", string(entry.EntryType),
			"session_id", entry.SessionID,
			"actor", entry.Actor,
			"entry_hash", entry.EntryHash,
		)
	}
}
