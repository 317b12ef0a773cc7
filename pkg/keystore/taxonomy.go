package keystore

import "fmt"

// Kind is the canonical error classification every call returns. Raw
// status values from the service converge on this single vocabulary; the
// originating code is retained on Error so no information is lost.
type Kind int

const (
	// KindSuccess is the single canonical OK value.
	KindSuccess Kind = iota
	// KindKeyNotFound means the named key does not exist.
	KindKeyNotFound
	// KindKeyAlreadyExists means the name is already taken.
	KindKeyAlreadyExists
	// KindPermissionDenied means the caller may not perform the operation.
	KindPermissionDenied
	// KindInvalidArgument means a request parameter was rejected.
	KindInvalidArgument
	// KindHandleNotFound means the operation handle is unknown or already
	// terminal. Seeing this on a handle you believe is live indicates a
	// double-finish or use-after-abort bug in the caller.
	KindHandleNotFound
	// KindExportNotPermitted means the key material is not exportable.
	KindExportNotPermitted
	// KindTransportFailure means the request never completed; the service
	// state is unknown. This layer never retries.
	KindTransportFailure
	// KindInternalError means the service failed internally.
	KindInternalError
	// KindUnknown means the raw status code is not in any known
	// vocabulary. Unmapped codes are never treated as success.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindKeyNotFound:
		return "key not found"
	case KindKeyAlreadyExists:
		return "key already exists"
	case KindPermissionDenied:
		return "permission denied"
	case KindInvalidArgument:
		return "invalid argument"
	case KindHandleNotFound:
		return "operation handle not found"
	case KindExportNotPermitted:
		return "export not permitted"
	case KindTransportFailure:
		return "transport failure"
	case KindInternalError:
		return "internal error"
	default:
		return "unknown error"
	}
}

// Raw status values arrive in one int32 space built from three disjoint
// vocabularies: positive service response codes, negative crypto-module
// codes, and the bare sentinels 0 (success) and -1 (generic failure).

// Service response codes (positive).
const (
	RespOK               int32 = 1
	RespLocked           int32 = 2
	RespUninitialized    int32 = 3
	RespSystemError      int32 = 4
	RespProtocolError    int32 = 5
	RespPermissionDenied int32 = 6
	RespKeyNotFound      int32 = 7
	RespValueCorrupted   int32 = 8
	RespKeyExists        int32 = 9
	RespExportNotAllowed int32 = 10
)

// Crypto-module error codes (negative, excluding the -1 sentinel).
const (
	ModUnsupportedAlgorithm   int32 = -2
	ModUnsupportedPurpose     int32 = -3
	ModUnsupportedFormat      int32 = -4
	ModInvalidKeyMaterial     int32 = -5
	ModIncompatiblePurpose    int32 = -6
	ModInvalidNonce           int32 = -7
	ModInvalidInputLength     int32 = -8
	ModInvalidOperationHandle int32 = -9
	ModInvalidKeyName         int32 = -10
	ModVerificationFailed     int32 = -30
	ModUnexpectedSignature    int32 = -31
	ModKeyExportImpossible    int32 = -32
	ModMemoryExhausted        int32 = -41
	ModUnimplemented          int32 = -100
)

// Bare sentinels.
const (
	SentinelOK      int32 = 0
	SentinelFailure int32 = -1
)

// rawKinds maps every known raw status to its canonical kind. Codes
// absent from this table classify as KindUnknown, never as success.
var rawKinds = map[int32]Kind{
	SentinelOK:      KindSuccess,
	SentinelFailure: KindInternalError,

	RespOK:               KindSuccess,
	RespLocked:           KindPermissionDenied,
	RespUninitialized:    KindInternalError,
	RespSystemError:      KindInternalError,
	RespProtocolError:    KindTransportFailure,
	RespPermissionDenied: KindPermissionDenied,
	RespKeyNotFound:      KindKeyNotFound,
	RespValueCorrupted:   KindInternalError,
	RespKeyExists:        KindKeyAlreadyExists,
	RespExportNotAllowed: KindExportNotPermitted,

	ModUnsupportedAlgorithm:   KindInvalidArgument,
	ModUnsupportedPurpose:     KindInvalidArgument,
	ModUnsupportedFormat:      KindInvalidArgument,
	ModInvalidKeyMaterial:     KindInvalidArgument,
	ModIncompatiblePurpose:    KindInvalidArgument,
	ModInvalidNonce:           KindInvalidArgument,
	ModInvalidInputLength:     KindInvalidArgument,
	ModInvalidOperationHandle: KindHandleNotFound,
	ModInvalidKeyName:         KindInvalidArgument,
	ModVerificationFailed:     KindInvalidArgument,
	ModUnexpectedSignature:    KindInvalidArgument,
	ModKeyExportImpossible:    KindExportNotPermitted,
	ModMemoryExhausted:        KindInternalError,
	ModUnimplemented:          KindInternalError,
}

// KindOf classifies a raw status value. The mapping is a pure function.
func KindOf(raw int32) Kind {
	kind, ok := rawKinds[raw]
	if !ok {
		return KindUnknown
	}
	return kind
}

// Error is the canonical failure value. It carries the classification,
// the originating raw code, and the operation that produced it.
type Error struct {
	Kind Kind
	Raw  int32
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op == "" {
		return fmt.Sprintf("keystore: %s (code %d)", msg, e.Raw)
	}
	return fmt.Sprintf("keystore: %s: %s (code %d)", e.Op, msg, e.Raw)
}

// Is matches by kind so callers can test with the Err* sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is. Each matches every Error of the same kind.
var (
	ErrKeyNotFound        = &Error{Kind: KindKeyNotFound}
	ErrKeyAlreadyExists   = &Error{Kind: KindKeyAlreadyExists}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrHandleNotFound     = &Error{Kind: KindHandleNotFound}
	ErrExportNotPermitted = &Error{Kind: KindExportNotPermitted}
	ErrTransportFailure   = &Error{Kind: KindTransportFailure}
	ErrInternal           = &Error{Kind: KindInternalError}
	ErrUnknown            = &Error{Kind: KindUnknown}
)

// FromRaw converts a raw status into a canonical result: nil when the
// code means success, an *Error classified by KindOf otherwise.
func FromRaw(op string, raw int32) error {
	kind := KindOf(raw)
	if kind == KindSuccess {
		return nil
	}
	return &Error{Kind: kind, Raw: raw, Op: op}
}

// transportError wraps a failure of the transport itself. The underlying
// cause is preserved in the message; the raw code slot carries the -1
// sentinel since no service code was received.
func transportError(op string, cause error) *Error {
	return &Error{
		Kind: KindTransportFailure,
		Raw:  SentinelFailure,
		Op:   op,
		Msg:  fmt.Sprintf("transport: %v", cause),
	}
}

// usageError reports a caller-side contract violation detected before any
// request is sent.
func usageError(op string, kind Kind, raw int32, msg string) *Error {
	return &Error{Kind: kind, Raw: raw, Op: op, Msg: msg}
}
