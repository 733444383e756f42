package capture

import "errors"

var (
	// ErrPermissionDenied reports that the user or OS refused camera access.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceUnavailable reports a missing or busy capture device.
	ErrDeviceUnavailable = errors.New("camera unavailable")
	// ErrStreamClosed is returned by Frame once the stream has ended.
	ErrStreamClosed = errors.New("capture stream closed")
)
