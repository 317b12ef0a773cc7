package keystore

import (
	"context"

	"github.com/kenneth/keystore-client/pkg/keyparam"
)

// Transport is the raw service boundary. Every method performs one
// blocking round trip and reports the service's status as a raw int32
// drawn from the response-code, module-code, or sentinel vocabularies
// (see taxonomy.go); the client converges those on the canonical Kind.
//
// A non-nil error return means the round trip itself failed and the
// status value is meaningless. Per-call state, including the table of
// live operation handles, lives behind this interface.
//
// Implementations: httpapi.Client (HTTP daemon) and softstore.Engine
// (in-process, also the test double).
type Transport interface {
	// AddEntropy mixes caller-supplied entropy into the service's random
	// number generator.
	AddEntropy(ctx context.Context, entropy []byte) (int32, error)

	// GenerateKey creates a key under name with the requested parameters.
	GenerateKey(ctx context.Context, name string, params *keyparam.Set) (*KeyCharacteristics, int32, error)

	// GetKeyCharacteristics fetches the resolved property pair for name.
	GetKeyCharacteristics(ctx context.Context, name string) (*KeyCharacteristics, int32, error)

	// ImportKey stores caller-supplied key material under name.
	ImportKey(ctx context.Context, name string, params *keyparam.Set, format KeyFormat, keyData []byte) (*KeyCharacteristics, int32, error)

	// ExportKey returns the key's public material in the given format.
	ExportKey(ctx context.Context, format KeyFormat, name string) ([]byte, int32, error)

	// DeleteKey removes the named key.
	DeleteKey(ctx context.Context, name string) (int32, error)

	// DeleteAllKeys removes every key in the caller's namespace.
	DeleteAllKeys(ctx context.Context) (int32, error)

	// KeyExists reports whether the named key exists.
	KeyExists(ctx context.Context, name string) (bool, int32, error)

	// ListKeys returns the names in the caller's namespace with the given
	// prefix, as a stable snapshot without duplicates.
	ListKeys(ctx context.Context, prefix string) ([]string, int32, error)

	// Begin opens an operation session and mints its handle.
	Begin(ctx context.Context, purpose Purpose, name string, params *keyparam.Set) (*BeginResult, int32, error)

	// Update feeds input to a live session. The service may consume fewer
	// bytes than submitted.
	Update(ctx context.Context, handle OperationHandle, params *keyparam.Set, input []byte) (*UpdateResult, int32, error)

	// Finish completes a live session, producing final output and, for
	// verify sessions, checking signature.
	Finish(ctx context.Context, handle OperationHandle, params *keyparam.Set, signature []byte) (*FinishResult, int32, error)

	// Abort tears down a live session and releases its resources.
	Abort(ctx context.Context, handle OperationHandle) (int32, error)
}
