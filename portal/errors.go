package portal

import "errors"

// Registration failures fall into two classes: sticky broker failures
// (connect or session creation failed, retrying is pointless until the
// user asks for it) and retryable bind-stage failures (the broker is
// present, the dialog just didn't complete). Callers match with errors.Is.
var (
	// ErrBrokerUnavailable means the GlobalShortcuts portal could not be
	// reached. Sticky: once seen, Register fails fast until
	// ResetUnavailable is called.
	ErrBrokerUnavailable = errors.New("global shortcuts portal is not available on this system")

	// ErrRegistrationInProgress means another Register call is in flight.
	// Retry after it completes; calls are never queued.
	ErrRegistrationInProgress = errors.New("shortcut registration already in progress")

	// ErrBindTimeout means the user did not respond to the broker's
	// configuration dialog in time. Not sticky.
	ErrBindTimeout = errors.New("shortcut configuration timed out")

	// ErrUserCancelled means the user dismissed the configuration dialog.
	ErrUserCancelled = errors.New("shortcut configuration was cancelled")

	// ErrBindFailed covers any other bind-stage failure. The broker may
	// still serve a different request.
	ErrBindFailed = errors.New("failed to bind shortcut")

	// ErrSubscribeFailed means the shortcut was bound but the activation
	// stream could not be opened. The session is closed before this is
	// returned.
	ErrSubscribeFailed = errors.New("failed to subscribe to shortcut activations")
)
