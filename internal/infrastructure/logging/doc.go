// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every entry carries service=tracehub. The level can be changed at runtime
// with SetLevel.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Server starting", zap.String("port", "8099"))
//	logger.Error("Failed to insert trace", zap.Error(err))
package logging
