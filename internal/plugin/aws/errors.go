package aws

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/e2esweep/internal/plugin"
)

// ErrCredentialsExpired is returned, wrapped, for ExpiredToken errors.
var ErrCredentialsExpired = plugin.ErrCredentialsExpired

// errorCode returns the AWS API error code of err, or "".
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsExpiredToken reports whether err is an expired-credential API error.
func IsExpiredToken(err error) bool {
	if errors.Is(err, ErrCredentialsExpired) {
		return true
	}
	switch errorCode(err) {
	case "ExpiredToken", "ExpiredTokenException":
		return true
	}
	return false
}

// isStackGone reports whether err says the described stack no longer
// exists. CloudFormation has no dedicated code for this.
func isStackGone(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

// classify wraps expired-credential errors with ErrCredentialsExpired and
// annotates every error with op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsExpiredToken(err) && !errors.Is(err, ErrCredentialsExpired) {
		return fmt.Errorf("%s: %w: %w", op, ErrCredentialsExpired, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsFatal reports whether err must stop the run.
func IsFatal(err error) bool {
	return plugin.IsFatal(err)
}
