// Package logging provides structured logging utilities for calfold.
//
// This package centralizes logging patterns to ensure consistent, structured logging
// throughout the codebase using the standard library's slog package.
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithAccount(slog.Default(), accountID)
//	logger.Info("listing calendars",
//	    logging.Status("success"))
//
// Sanitize sensitive data before logging:
//
//	logger.Debug("refreshed token",
//	    "access_token", logging.SanitizeToken(tok.AccessToken),
//	    logging.UserHash(email))
//
// # Security Considerations
//
// Tokens are never logged directly and user emails are hashed.
package logging
