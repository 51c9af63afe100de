package ftlingest

import "github.com/pkg/errors"

// Sentinel errors, wrapped with errors.Wrap at the call site for context.
var (
	// Protocol errors: malformed or out-of-state commands.
	ErrMalformedCommand  = errors.New("ftlingest: malformed command")
	ErrUnexpectedState   = errors.New("ftlingest: command not permitted in current state")
	ErrMultipleConnect   = errors.New("ftlingest: CONNECT already issued")
	ErrInvalidHmacHex    = errors.New("ftlingest: invalid hex in CONNECT digest")
	ErrHmacMismatch      = errors.New("ftlingest: HMAC digest mismatch")
	ErrUnknownChannel    = errors.New("ftlingest: unknown channel")
	ErrAttributeAfterDot = errors.New("ftlingest: attribute received after '.'")

	// Resource errors: surfaced as a response code, no partial state retained.
	ErrChannelInUse   = errors.New("ftlingest: channel already streaming")
	ErrPortsExhausted = errors.New("ftlingest: no media ports available")

	// Transport errors: socket failures.
	ErrClosed = errors.New("ftlingest: connection closed")

	// Collaborator failures.
	ErrCredentialLookup = errors.New("ftlingest: credential provider lookup failed")
)

// ErrorResponseCode maps a protocol-level error to the response code a
// ControlConnection writes before closing. Errors with no specific mapping
// fall back to RespInternalServerError.
func ErrorResponseCode(err error) ResponseCode {
	switch errors.Cause(err) {
	case ErrHmacMismatch, ErrUnknownChannel, ErrCredentialLookup, ErrInvalidHmacHex:
		return RespUnauthorized
	case ErrMalformedCommand, ErrUnexpectedState, ErrMultipleConnect, ErrAttributeAfterDot:
		return RespBadRequest
	case ErrChannelInUse:
		return RespChannelInUse
	case ErrPortsExhausted:
		return RespInternalServerError
	default:
		return RespInternalServerError
	}
}
