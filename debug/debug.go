// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — Cold-path logging helpers
//
// Purpose:
//   - Logs infrequent error paths and non-fatal query warnings.
//   - Used only in cold paths: segment lifecycle, registry pruning, PTU
//     header anomalies, empty query results.
//
// Notes:
//   - Backed by a swappable *slog.Logger (stderr text handler by default).
//   - The CLI installs its configured handler through SetLogger.
//
// ⚠️ Never invoke in hot loops; use only in failure diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// SetLogger replaces the process-wide logger. A nil logger discards output.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger.Store(l)
}

// Logger returns the current process-wide logger.
func Logger() *slog.Logger { return logger.Load() }

// DropError logs err under prefix at error level. A nil err logs the
// prefix alone (tagged markers).
func DropError(prefix string, err error, attrs ...any) {
	if err != nil {
		logger.Load().Error(prefix, append(attrs, "err", err)...)
		return
	}
	logger.Load().Error(prefix, attrs...)
}

// DropMessage logs an informational cold-path event.
func DropMessage(prefix, message string, attrs ...any) {
	logger.Load().Info(prefix+": "+message, attrs...)
}

// DropWarning logs a non-fatal condition such as an empty query result.
func DropWarning(prefix, message string, attrs ...any) {
	logger.Load().Warn(prefix+": "+message, attrs...)
}
