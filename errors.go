package callkit

import "errors"

// Error kinds for the call taxonomy. Wrapped with %w so consumers can
// errors.Is against them and react differently to, e.g., a peer hanging
// up versus a device refusing access.
var (
	ErrPermissionDenied     = errors.New("media permission denied")
	ErrDeviceUnavailable    = errors.New("media device unavailable")
	ErrSignalingUnavailable = errors.New("signaling channel unavailable")
	ErrNegotiationFailed    = errors.New("session negotiation failed")
	ErrConnectivityLost     = errors.New("peer connectivity lost")
	ErrCallTimeout          = errors.New("call attempt timed out")
	ErrCallInProgress       = errors.New("a call attempt is already in progress")
	ErrNoActiveCall         = errors.New("no active call")
	ErrStreamHeld           = errors.New("a local media stream is already held")
	ErrChannelClosed        = errors.New("signal channel is closed")
)
