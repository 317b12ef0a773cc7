// Package keystore provides a client abstraction for a secure
// key-storage service. It hides the transport mechanism behind the
// Transport interface, drives multi-step cryptographic operations
// (begin/update/finish/abort) through a handle-keyed session state
// machine, and converges the service's three raw status vocabularies --
// response codes, crypto-module codes, and bare 0/-1 sentinels -- on one
// canonical error taxonomy.
//
// Typical usage:
//
//	ks := keystore.New(transport)
//	chars, err := ks.GenerateKey(ctx, "signing-key", params)
//	...
//	resolved, handle, err := ks.BeginOperation(ctx, keystore.PurposeSign, "signing-key", nil)
//	consumed, _, _, err := ks.UpdateOperation(ctx, handle, nil, data)
//	_, sig, err := ks.FinishOperation(ctx, handle, nil, nil)
//
// Every failure is a *Error carrying a canonical Kind plus the
// originating raw code; match with errors.Is against the Err* sentinels.
// The one deliberate exception to full-fidelity reporting is
// DoesKeyExist, which collapses every failure to false.
package keystore
