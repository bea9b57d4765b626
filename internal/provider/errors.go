package provider

import (
	"fmt"
	"strings"
)

// WrapOAuthError appends a human-readable hint to known OAuth error codes.
// The original error is preserved via %w for unwrapping.
func WrapOAuthError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unauthorized_client"):
		return fmt.Errorf("%w (hint: refresh token expired, re-run 'calfold accounts connect')", err)
	case strings.Contains(msg, "invalid_grant"):
		return fmt.Errorf("%w (hint: token revoked or code already used, re-run 'calfold accounts connect')", err)
	case strings.Contains(msg, "invalid_client"):
		return fmt.Errorf("%w (hint: client id or secret invalid, check credentials.json)", err)
	}
	return err
}
