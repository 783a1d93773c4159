package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Session routing/state.
	ErrSessionBusy   = "E_SESSION_BUSY"
	ErrSessionEnded  = "E_SESSION_ENDED"
	ErrUnknownDevice = "E_UNKNOWN_DEVICE"

	// Sample/identity layer.
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrBadSample      = "E_BAD_SAMPLE"
	ErrUnknownProfile = "E_UNKNOWN_PROFILE"
	ErrConflict       = "E_CONFLICT"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrSessionBusy:     {},
	ErrSessionEnded:    {},
	ErrUnknownDevice:   {},
	ErrBadRequest:      {},
	ErrBadSample:       {},
	ErrUnknownProfile:  {},
	ErrConflict:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
