package keystore

import "github.com/kenneth/keystore-client/pkg/keyparam"

// Purpose is the cryptographic intent of an operation session. The
// numeric values are part of the wire vocabulary and forwarded verbatim.
type Purpose uint32

const (
	PurposeEncrypt Purpose = 0
	PurposeDecrypt Purpose = 1
	PurposeSign    Purpose = 2
	PurposeVerify  Purpose = 3
)

func (p Purpose) String() string {
	switch p {
	case PurposeEncrypt:
		return "encrypt"
	case PurposeDecrypt:
		return "decrypt"
	case PurposeSign:
		return "sign"
	case PurposeVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// KeyFormat identifies the encoding of key material crossing the
// boundary.
type KeyFormat uint32

const (
	// FormatX509 is DER-encoded SubjectPublicKeyInfo.
	FormatX509 KeyFormat = 0
	// FormatPKCS8 is DER-encoded PKCS#8 private key material.
	FormatPKCS8 KeyFormat = 1
	// FormatRaw is unstructured symmetric key bytes.
	FormatRaw KeyFormat = 3
)

func (f KeyFormat) String() string {
	switch f {
	case FormatX509:
		return "x509"
	case FormatPKCS8:
		return "pkcs8"
	case FormatRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// OperationHandle identifies one live operation session. Handles are
// minted by the service at begin time and become permanently invalid
// after finish, abort, or a service-reported operation failure.
type OperationHandle uint64

// KeyCharacteristics is the resolved property pair for a key. The two
// sets carry different trust levels and are never merged: hardware
// enforcement is attested by the key-storage engine, software enforcement
// only by the service process.
type KeyCharacteristics struct {
	HardwareEnforced *keyparam.Set `json:"hardware_enforced"`
	SoftwareEnforced *keyparam.Set `json:"software_enforced"`
}

// BeginResult is the raw outcome of a begin call at the transport
// boundary.
type BeginResult struct {
	// Params is the resolved parameter set. The service may reinterpret
	// what was requested (nonce selection, padding); this set, not the
	// request, is authoritative for the rest of the session.
	Params *keyparam.Set
	Handle OperationHandle
}

// UpdateResult is the raw outcome of an update call.
type UpdateResult struct {
	// Consumed is how many input bytes the service accepted. It may be
	// less than what was submitted; the remainder stays with the caller.
	Consumed int
	Params   *keyparam.Set
	Output   []byte
}

// FinishResult is the raw outcome of a finish call.
type FinishResult struct {
	Params *keyparam.Set
	Output []byte
}
