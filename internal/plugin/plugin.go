// Package plugin defines what the sweep needs from a cloud provider plugin.
package plugin

import (
	"context"
	"errors"

	"github.com/yairfalse/e2esweep/pkg/resource"
)

// ErrCredentialsExpired marks a call that failed because the account's
// session credentials expired. Every later call fails the same way, so the
// whole run stops when it is seen.
var ErrCredentialsExpired = errors.New("credentials expired")

// IsFatal reports whether err must stop the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCredentialsExpired)
}

// Scanner discovers the resources of one account.
type Scanner interface {
	// Name returns the plugin identifier (e.g., "aws").
	Name() string

	// EnabledRegions narrows the regions to scan to the ones the account
	// has enabled.
	EnabledRegions(ctx context.Context) ([]string, error)

	// Scan returns everything found in the account. Only errors that make
	// every later call fail are returned; the rest are logged.
	Scan(ctx context.Context) (resource.Inventory, error)
}

// Deleter removes resources from one account. Deleting something that is
// already gone succeeds.
type Deleter interface {
	DeleteAmplifyApp(ctx context.Context, app resource.AmplifyApp) error
	DeleteStack(ctx context.Context, stack resource.Stack) error
	DeleteBucket(ctx context.Context, bucket resource.Bucket) error
	DeleteRole(ctx context.Context, role resource.Role) error
	DeletePinpointApp(ctx context.Context, app resource.PinpointApp) error
}

// Plugin scans and deletes.
type Plugin interface {
	Scanner
	Deleter
}

// Factory builds the plugin for one account.
type Factory func(account resource.Account) Plugin
