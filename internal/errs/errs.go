// Package errs holds the error kinds shared by the softphone and the router.
// Callers wrap them with %w and test with errors.Is.
package errs

import "errors"

var (
	// ErrPermissionDenied means microphone capture was refused or unavailable.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrProviderNotReady means no calling agent has been initialized.
	ErrProviderNotReady = errors.New("calling provider not ready")

	// ErrSetupFailed means the provider rejected call placement.
	ErrSetupFailed = errors.New("call setup failed")

	// ErrInjectionFailed means a clip could not be decoded, played or injected.
	ErrInjectionFailed = errors.New("audio injection failed")

	// ErrRedirectFailed means an inbound call could not be handed to an agent.
	ErrRedirectFailed = errors.New("redirect failed")

	// ErrDuplicateNotification marks an inbound notification swallowed by
	// the per-caller redirect lock. It is not a failure.
	ErrDuplicateNotification = errors.New("duplicate notification")
)

// Kind returns the short name of the error kind err wraps, or "" if none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	case errors.Is(err, ErrProviderNotReady):
		return "ProviderNotReady"
	case errors.Is(err, ErrSetupFailed):
		return "SetupFailed"
	case errors.Is(err, ErrInjectionFailed):
		return "InjectionFailed"
	case errors.Is(err, ErrRedirectFailed):
		return "RedirectFailed"
	case errors.Is(err, ErrDuplicateNotification):
		return "DuplicateNotification"
	default:
		return ""
	}
}
