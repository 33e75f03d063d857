// Package logging provides structured logging using uber/zap.
//
// Embedding hosts usually run with logging disabled; Nop returns a logger
// that satisfies every call site at zero cost. When enabled, two modes are
// offered:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Output goes to stderr by default so host programs that print script
// results on stdout stay clean.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("thread resumed", zap.String("vm_id", id))
//	logger.Error("module load failed", zap.Error(err))
package logging
