package bus

import "errors"

var (
	ErrUnknownBus     = errors.New("unknown bus")
	ErrUnknownKind    = errors.New("unknown bus instance kind")
	ErrInvalidTenant  = errors.New("invalid tenant id")
	ErrInvalidMessage = errors.New("invalid message")
	ErrNoReceiver     = errors.New("no registered receiver")
	ErrStopped        = errors.New("engine stopped")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrPlatformConfig = errors.New("invalid bus platform configuration")
)
