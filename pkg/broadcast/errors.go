package broadcast

import "errors"

var (
	// ErrSourceExhausted is returned by Run when the source reports EOF or a
	// read error. The session is over and every subscriber has been closed.
	ErrSourceExhausted = errors.New("source exhausted")

	// ErrJoinAborted is returned by Join when the replay could not be written
	// to the new sink. No listener was added.
	ErrJoinAborted = errors.New("join aborted")

	// ErrNotBroadcasting is returned by Join after a session has ended and
	// before the engine is run again.
	ErrNotBroadcasting = errors.New("not broadcasting")

	errSlowSubscriber = errors.New("subscriber queue full")
	errEngineStopped  = errors.New("engine stopped")
)
