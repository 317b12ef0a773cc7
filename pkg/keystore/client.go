package keystore

import (
	"context"

	"github.com/kenneth/keystore-client/pkg/keyparam"
)

// Client is the public keystore surface consumed by native services. All
// failure is conveyed through the returned error, always a *Error
// carrying a canonical Kind; methods never panic on service failure. Any
// conforming implementation is interchangeable with the transport-backed
// one, so unit tests can substitute a pure in-memory double.
//
// The client is safe for concurrent use. A single OperationHandle must be
// driven by one logical caller at a time; competing calls against the
// same handle serialize, and whichever arrives after the session turns
// terminal gets ErrHandleNotFound.
type Client interface {
	// AddEntropy mixes entropy into the service's random number
	// generator.
	AddEntropy(ctx context.Context, entropy []byte) error

	// GenerateKey creates a key and returns its enforced characteristic
	// pair. The name and required parameter tags are validated by the
	// service, not here.
	GenerateKey(ctx context.Context, name string, params *keyparam.Set) (*KeyCharacteristics, error)

	// GetKeyCharacteristics returns the characteristic pair without
	// mutating anything.
	GetKeyCharacteristics(ctx context.Context, name string) (*KeyCharacteristics, error)

	// ImportKey stores key material supplied in the given format and
	// returns the characteristic pair, as GenerateKey does.
	ImportKey(ctx context.Context, name string, params *keyparam.Set, format KeyFormat, keyData []byte) (*KeyCharacteristics, error)

	// ExportKey returns public key material. Private and symmetric keys
	// are not exportable and fail with ErrExportNotPermitted.
	ExportKey(ctx context.Context, format KeyFormat, name string) ([]byte, error)

	// DeleteKey removes the named key. Deleting a key that does not exist
	// reports ErrKeyNotFound; callers rely on the distinction to detect
	// bugs.
	DeleteKey(ctx context.Context, name string) error

	// DeleteAllKeys irreversibly removes every key in the caller's
	// namespace. Success or failure is all-or-nothing from the caller's
	// view.
	DeleteAllKeys(ctx context.Context) error

	// DoesKeyExist reports whether the named key exists.
	//
	// WARNING: this call deliberately collapses every failure, including
	// transport failures, to false. A false return cannot be
	// distinguished from an error. Callers that need the distinction must
	// use GetKeyCharacteristics.
	DoesKeyExist(ctx context.Context, name string) bool

	// ListKeys returns every key name with the given prefix. Ordering is
	// unspecified but stable for a given snapshot.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// BeginOperation opens an operation session against the named key and
	// returns the resolved parameters and the session handle. The
	// resolved set, not the requested one, is authoritative. On failure
	// no handle is minted.
	BeginOperation(ctx context.Context, purpose Purpose, name string, params *keyparam.Set) (*keyparam.Set, OperationHandle, error)

	// UpdateOperation feeds input to a live session. The returned
	// consumed count may be less than len(input); re-submitting the
	// unconsumed remainder is the caller's obligation, the session does
	// not buffer it.
	UpdateOperation(ctx context.Context, handle OperationHandle, params *keyparam.Set, input []byte) (int, *keyparam.Set, []byte, error)

	// FinishOperation completes a live session. signature is required for
	// verify-purpose sessions and must be empty otherwise; supplying it
	// for any other purpose fails with ErrInvalidArgument before the
	// service is contacted.
	FinishOperation(ctx context.Context, handle OperationHandle, params *keyparam.Set, signature []byte) (*keyparam.Set, []byte, error)

	// AbortOperation tears down a live session. It is the only way to
	// release a session early and is safe to call after a failed update
	// or finish. Aborting an unknown or already-terminal handle reports
	// ErrHandleNotFound so double-free bugs surface.
	AbortOperation(ctx context.Context, handle OperationHandle) error
}
