// Package apperr defines the error kinds shared across the recognition core.
package apperr

import "errors"

var (
	// ErrInput covers caller mistakes: no face in an image, wrong image type, malformed vectors.
	ErrInput = errors.New("invalid input")
	// ErrModel is raised when the detector or embedder fails or times out.
	ErrModel = errors.New("model failure")
	// ErrStoreUnavailable means the persistence backend could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrIdentityNotFound is returned by 1:1 verification for an unknown identity.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrNoFrame means the camera produced no frame for this poll.
	ErrNoFrame = errors.New("no frame available")
	// ErrNoCamera means no camera device could be opened.
	ErrNoCamera = errors.New("no camera available")
	// ErrSessionActive is returned when starting a session while one is running.
	ErrSessionActive = errors.New("scanning session already active")
	// ErrSessionInactive is returned when operating on a stopped session.
	ErrSessionInactive = errors.New("scanning session not active")
	// ErrEmptyIndex is returned when no valid identities are registered.
	ErrEmptyIndex = errors.New("no registered identities")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInput, "input"},
	{ErrModel, "model"},
	{ErrStoreUnavailable, "store_unavailable"},
	{ErrIdentityNotFound, "identity_not_found"},
	{ErrNoFrame, "no_frame"},
	{ErrNoCamera, "no_camera"},
	{ErrSessionActive, "session_active"},
	{ErrSessionInactive, "session_inactive"},
	{ErrEmptyIndex, "empty_index"},
}

// KindOf returns a short name for the error kind wrapped by err, or "internal".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
