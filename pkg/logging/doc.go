// Package logging provides structured logging configuration for the driver.
//
// It wraps log/slog so every component logs the same way. Components accept
// a *slog.Logger in their constructor; when none is supplied they fall back
// to logging.Nop().
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelDebug,
//	    Format: logging.FormatJSON,
//	})
//
//	logger.Info("connected to host", "url", cfg.HostURL)
package logging
