package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Trace and command failures.
	ErrParse          = "E_PARSE"
	ErrPrecondition   = "E_PRECONDITION"
	ErrUngrounded     = "E_UNGROUNDED"
	ErrWrongResult    = "E_WRONG_RESULT"
	ErrMalformedTrace = "E_MALFORMED_TRACE"
	ErrHalted         = "E_HALTED"

	ErrNotFound = "E_NOT_FOUND"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrParse:           {},
	ErrPrecondition:    {},
	ErrUngrounded:      {},
	ErrWrongResult:     {},
	ErrMalformedTrace:  {},
	ErrHalted:          {},
	ErrNotFound:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
