package server

import (
	"errors"
	"net/http"

	"hiomapd/hiomap"
)

// flashErrorStatus maps a hiomap.FlashError's kind to the HTTP status
// the read/erase handlers report it as, per spec §7: a parameter
// mistake is the caller's fault (400), a transient flash-ownership
// conflict is retryable (503), a dead session needs the client to
// treat the target as gone (410), and anything else on the wire or
// through the LPC window is a gateway-side failure (502).
func flashErrorStatus(err error) int {
	var fe *hiomap.FlashError
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case hiomap.ParameterError:
		return http.StatusBadRequest
	case hiomap.TryAgain:
		return http.StatusServiceUnavailable
	case hiomap.DeviceGone:
		return http.StatusGone
	case hiomap.ProtocolError, hiomap.IoError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
