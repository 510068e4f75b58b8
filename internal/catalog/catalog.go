// Package catalog talks to the external Steam catalog service the sync
// engine crawls. The production implementation is an HTTP client against
// a PICS proxy; tests substitute their own Client.
package catalog

import (
	"context"
	"errors"
)

// ErrAuthRejected is returned when the catalog service refuses the
// supplied credentials. It is never retried.
var ErrAuthRejected = errors.New("catalog: authentication rejected")

// App is one catalog entry: a game and the depots it owns.
type App struct {
	AppID        uint32   `json:"appid"`
	Name         string   `json:"name"`
	ChangeNumber uint64   `json:"change_number"`
	Depots       []uint64 `json:"depots"`
}

// ChangeSet is the catalog's answer to "what changed since change number N".
type ChangeSet struct {
	CurrentChangeNumber uint64   `json:"current_change_number"`
	AppIDs              []uint32 `json:"app_ids"`
	// FullUpdateRequired is set when the requested change number is too
	// far behind for the service to produce a delta.
	FullUpdateRequired bool `json:"full_update_required"`
}

// Credentials selects the catalog logon mode. The zero value is an
// anonymous logon.
type Credentials struct {
	Username string
	APIToken string
}

// Anonymous reports whether the credentials request an anonymous logon.
func (c Credentials) Anonymous() bool { return c.Username == "" }

// Client is the engine's view of the external catalog service.
// All methods honour ctx cancellation and deadlines.
type Client interface {
	// Connect establishes an anonymous session.
	Connect(ctx context.Context) error

	// Logon upgrades the session with account credentials. Not needed
	// for anonymous crawls; ErrAuthRejected on bad credentials.
	Logon(ctx context.Context, creds Credentials) error

	// ChangesSince returns the apps changed after the given change
	// number, plus the service's current change number. since == 0
	// asks only for the current change number.
	ChangesSince(ctx context.Context, since uint64) (*ChangeSet, error)

	// AppList enumerates every app ID in the catalog.
	AppList(ctx context.Context) ([]uint32, error)

	// AppInfo resolves full app metadata for a batch of app IDs.
	AppInfo(ctx context.Context, appIDs []uint32) ([]App, error)

	// Close tears down the session. Safe to call when not connected.
	Close()
}
