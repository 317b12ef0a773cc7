package softstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/keystore-client/pkg/keyparam"
	"github.com/kenneth/keystore-client/pkg/keystore"
)

func newTestClient(t *testing.T, opts ...Option) (keystore.Client, *Engine) {
	t.Helper()
	engine := New(opts...)
	return keystore.New(engine), engine
}

func symmetricParams(algorithm uint32) *keyparam.Set {
	return keyparam.NewSet().
		AddUint32(keyparam.TagPurpose, uint32(keystore.PurposeEncrypt)).
		AddUint32(keyparam.TagPurpose, uint32(keystore.PurposeDecrypt)).
		AddUint32(keyparam.TagAlgorithm, algorithm)
}

func signingParams(algorithm uint32) *keyparam.Set {
	return keyparam.NewSet().
		AddUint32(keyparam.TagPurpose, uint32(keystore.PurposeSign)).
		AddUint32(keyparam.TagPurpose, uint32(keystore.PurposeVerify)).
		AddUint32(keyparam.TagAlgorithm, algorithm)
}

func TestGenerateKey_EnforcementSplitIsDisjoint(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	for name, params := range map[string]*keyparam.Set{
		"aes":     symmetricParams(keyparam.AlgorithmAES),
		"chacha":  symmetricParams(keyparam.AlgorithmChaCha20),
		"ed25519": signingParams(keyparam.AlgorithmED25519),
		"ec":      signingParams(keyparam.AlgorithmEC),
		"hmac":    signingParams(keyparam.AlgorithmHMAC),
	} {
		chars, err := ks.GenerateKey(ctx, name, params)
		require.NoError(t, err, name)
		require.NotNil(t, chars.HardwareEnforced, name)
		require.NotNil(t, chars.SoftwareEnforced, name)

		// No tag may be claimed enforced by both sets.
		hwTags := make(map[keyparam.Tag]bool)
		for _, tag := range chars.HardwareEnforced.Tags() {
			hwTags[tag] = true
		}
		for _, tag := range chars.SoftwareEnforced.Tags() {
			assert.False(t, hwTags[tag], "%s: tag %d claimed by both sets", name, tag)
		}

		algorithm, ok := chars.HardwareEnforced.FirstUint32(keyparam.TagAlgorithm)
		require.True(t, ok, name)
		want, _ := params.FirstUint32(keyparam.TagAlgorithm)
		assert.Equal(t, want, algorithm, name)
	}
}

func TestGenerateKey_Validation(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	_, err := ks.GenerateKey(ctx, "", symmetricParams(keyparam.AlgorithmAES))
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)

	noAlgorithm := keyparam.NewSet().AddUint32(keyparam.TagPurpose, uint32(keystore.PurposeSign))
	_, err = ks.GenerateKey(ctx, "k", noAlgorithm)
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)

	noPurpose := keyparam.NewSet().AddUint32(keyparam.TagAlgorithm, keyparam.AlgorithmAES)
	_, err = ks.GenerateKey(ctx, "k", noPurpose)
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)

	badSize := symmetricParams(keyparam.AlgorithmAES).AddUint32(keyparam.TagKeySize, 100)
	_, err = ks.GenerateKey(ctx, "k", badSize)
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)
}

func TestGenerateKey_DuplicateName(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	_, err := ks.GenerateKey(ctx, "dup", symmetricParams(keyparam.AlgorithmAES))
	require.NoError(t, err)

	_, err = ks.GenerateKey(ctx, "dup", symmetricParams(keyparam.AlgorithmAES))
	assert.ErrorIs(t, err, keystore.ErrKeyAlreadyExists)
}

func TestDeleteKey_MissingIsReported(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	assert.ErrorIs(t, ks.DeleteKey(ctx, "never-created"), keystore.ErrKeyNotFound)

	_, err := ks.GenerateKey(ctx, "k", symmetricParams(keyparam.AlgorithmAES))
	require.NoError(t, err)
	require.NoError(t, ks.DeleteKey(ctx, "k"))
	assert.ErrorIs(t, ks.DeleteKey(ctx, "k"), keystore.ErrKeyNotFound)
}

func TestDeleteAllKeys(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	for _, name := range []string{"a", "b", "c"} {
		_, err := ks.GenerateKey(ctx, name, symmetricParams(keyparam.AlgorithmAES))
		require.NoError(t, err)
	}
	require.NoError(t, ks.DeleteAllKeys(ctx))

	names, err := ks.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListKeys_PrefixProperties(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	created := []string{"app.signing", "app.sealing", "syslog.hmac", "app"}
	for _, name := range created {
		_, err := ks.GenerateKey(ctx, name, signingParams(keyparam.AlgorithmHMAC))
		require.NoError(t, err)
	}

	all, err := ks.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, created, all)

	for _, prefix := range []string{"app", "app.", "syslog", "nope"} {
		subset, err := ks.ListKeys(ctx, prefix)
		require.NoError(t, err)

		seen := make(map[string]bool)
		for _, name := range subset {
			assert.True(t, strings.HasPrefix(name, prefix), "%q lacks prefix %q", name, prefix)
			assert.False(t, seen[name], "duplicate %q", name)
			seen[name] = true
			assert.Contains(t, all, name, "prefix listing returned a name absent from the full listing")
		}
	}
}

func TestListKeys_PrefixIsLiteral(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	// Names are opaque; characters that pattern languages treat as
	// wildcards must match only themselves.
	created := []string{"a*b", "aXb", "axxb", "a?b"}
	for _, name := range created {
		_, err := ks.GenerateKey(ctx, name, symmetricParams(keyparam.AlgorithmAES))
		require.NoError(t, err)
	}

	got, err := ks.ListKeys(ctx, "a*")
	require.NoError(t, err)
	assert.Equal(t, []string{"a*b"}, got)

	got, err = ks.ListKeys(ctx, "a?")
	require.NoError(t, err)
	assert.Equal(t, []string{"a?b"}, got)
}

func TestDoesKeyExist(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	assert.False(t, ks.DoesKeyExist(ctx, "k"))
	_, err := ks.GenerateKey(ctx, "k", symmetricParams(keyparam.AlgorithmAES))
	require.NoError(t, err)
	assert.True(t, ks.DoesKeyExist(ctx, "k"))
}

func TestExportKey_PublicRoundTrip(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	_, err := ks.GenerateKey(ctx, "signer", signingParams(keyparam.AlgorithmED25519))
	require.NoError(t, err)

	pubDER, err := ks.ExportKey(ctx, keystore.FormatX509, "signer")
	require.NoError(t, err)
	require.NotEmpty(t, pubDER)

	verifyOnly := keyparam.NewSet().AddUint32(keyparam.TagPurpose, uint32(keystore.PurposeVerify))
	chars1, err := ks.ImportKey(ctx, "verifier-1", verifyOnly, keystore.FormatX509, pubDER)
	require.NoError(t, err)

	// Export of the imported public key re-imports to structurally equal
	// characteristics.
	again, err := ks.ExportKey(ctx, keystore.FormatX509, "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, pubDER, again)

	chars2, err := ks.ImportKey(ctx, "verifier-2", verifyOnly, keystore.FormatX509, again)
	require.NoError(t, err)
	assert.True(t, chars1.HardwareEnforced.Equal(chars2.HardwareEnforced))
}

func TestExportKey_SecretsNotPermitted(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	_, err := ks.GenerateKey(ctx, "sealed", symmetricParams(keyparam.AlgorithmAES))
	require.NoError(t, err)

	_, err = ks.ExportKey(ctx, keystore.FormatX509, "sealed")
	assert.ErrorIs(t, err, keystore.ErrExportNotPermitted)

	_, err = ks.ExportKey(ctx, keystore.FormatRaw, "sealed")
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)

	_, err = ks.ExportKey(ctx, keystore.FormatX509, "missing")
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func TestImportKey_RawMaterial(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	params := symmetricParams(keyparam.AlgorithmAES)
	chars, err := ks.ImportKey(ctx, "imported", params, keystore.FormatRaw, make([]byte, 32))
	require.NoError(t, err)

	origin, ok := chars.SoftwareEnforced.FirstUint32(keyparam.TagOrigin)
	require.True(t, ok)
	assert.Equal(t, keyparam.OriginImported, origin)

	size, ok := chars.HardwareEnforced.FirstUint32(keyparam.TagKeySize)
	require.True(t, ok)
	assert.Equal(t, uint32(256), size)

	_, err = ks.ImportKey(ctx, "short", params, keystore.FormatRaw, make([]byte, 5))
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)
}

func encryptAll(t *testing.T, ks keystore.Client, key string, plaintext []byte) (nonce, ciphertext []byte) {
	t.Helper()
	ctx := context.Background()

	resolved, handle, err := ks.BeginOperation(ctx, keystore.PurposeEncrypt, key, nil)
	require.NoError(t, err)

	p, ok := resolved.First(keyparam.TagNonce)
	require.True(t, ok, "resolved parameters must carry the engine-chosen nonce")

	remaining := plaintext
	for len(remaining) > 0 {
		consumed, _, _, err := ks.UpdateOperation(ctx, handle, nil, remaining)
		require.NoError(t, err)
		require.Positive(t, consumed)
		remaining = remaining[consumed:]
	}

	_, out, err := ks.FinishOperation(ctx, handle, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	return p.Value, out
}

func decryptAll(t *testing.T, ks keystore.Client, key string, nonce, ciphertext []byte) []byte {
	t.Helper()
	ctx := context.Background()

	params := keyparam.NewSet().Add(keyparam.TagNonce, nonce)
	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeDecrypt, key, params)
	require.NoError(t, err)

	remaining := ciphertext
	for len(remaining) > 0 {
		consumed, _, _, err := ks.UpdateOperation(ctx, handle, nil, remaining)
		require.NoError(t, err)
		require.Positive(t, consumed)
		remaining = remaining[consumed:]
	}

	_, out, err := ks.FinishOperation(ctx, handle, nil, nil)
	require.NoError(t, err)
	return out
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, algorithm := range map[string]uint32{
		"aes":    keyparam.AlgorithmAES,
		"chacha": keyparam.AlgorithmChaCha20,
	} {
		t.Run(name, func(t *testing.T) {
			ks, _ := newTestClient(t)
			_, err := ks.GenerateKey(ctx, "k", symmetricParams(algorithm))
			require.NoError(t, err)

			plaintext := []byte("the quick brown fox jumps over the lazy dog")
			nonce, ciphertext := encryptAll(t, ks, "k", plaintext)
			assert.Equal(t, plaintext, decryptAll(t, ks, "k", nonce, ciphertext))
		})
	}
}

func TestDecrypt_NonceIsolatedFromCallerParams(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	_, err := ks.GenerateKey(ctx, "k", symmetricParams(keyparam.AlgorithmAES))
	require.NoError(t, err)

	plaintext := []byte("sealed payload")
	nonce, ciphertext := encryptAll(t, ks, "k", plaintext)

	params := keyparam.NewSet().Add(keyparam.TagNonce, nonce)
	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeDecrypt, "k", params)
	require.NoError(t, err)

	// Scribbling over the caller's parameter set after begin must not
	// reach the running session.
	p, ok := params.First(keyparam.TagNonce)
	require.True(t, ok)
	for i := range p.Value {
		p.Value[i] = 0
	}

	remaining := ciphertext
	for len(remaining) > 0 {
		consumed, _, _, err := ks.UpdateOperation(ctx, handle, nil, remaining)
		require.NoError(t, err)
		require.Positive(t, consumed)
		remaining = remaining[consumed:]
	}

	_, out, err := ks.FinishOperation(ctx, handle, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestEncrypt_ChunkedLifecycle(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	_, err := ks.GenerateKey(ctx, "k1", symmetricParams(keyparam.AlgorithmAES))
	require.NoError(t, err)

	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeEncrypt, "k1", nil)
	require.NoError(t, err)

	consumed, _, _, err := ks.UpdateOperation(ctx, handle, nil, []byte("AAAA"))
	require.NoError(t, err)
	assert.LessOrEqual(t, consumed, 4)

	_, out, err := ks.FinishOperation(ctx, handle, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	_, _, err = ks.FinishOperation(ctx, handle, nil, nil)
	assert.ErrorIs(t, err, keystore.ErrHandleNotFound)
}

func TestUpdate_PartialConsumption(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t, WithMaxUpdateChunk(4))

	_, err := ks.GenerateKey(ctx, "k", symmetricParams(keyparam.AlgorithmAES))
	require.NoError(t, err)

	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeEncrypt, "k", nil)
	require.NoError(t, err)

	consumed, _, _, err := ks.UpdateOperation(ctx, handle, nil, make([]byte, 10))
	require.NoError(t, err)
	assert.Equal(t, 4, consumed, "consumption capped at the configured chunk")

	require.NoError(t, ks.AbortOperation(ctx, handle))
}

func TestSignVerify_AllAlgorithms(t *testing.T) {
	ctx := context.Background()
	message := []byte("attestation payload")

	for name, algorithm := range map[string]uint32{
		"hmac":    keyparam.AlgorithmHMAC,
		"ed25519": keyparam.AlgorithmED25519,
		"ec":      keyparam.AlgorithmEC,
	} {
		t.Run(name, func(t *testing.T) {
			ks, _ := newTestClient(t)
			_, err := ks.GenerateKey(ctx, "k", signingParams(algorithm))
			require.NoError(t, err)

			// Sign.
			_, handle, err := ks.BeginOperation(ctx, keystore.PurposeSign, "k", nil)
			require.NoError(t, err)
			_, _, _, err = ks.UpdateOperation(ctx, handle, nil, message)
			require.NoError(t, err)
			_, signature, err := ks.FinishOperation(ctx, handle, nil, nil)
			require.NoError(t, err)
			require.NotEmpty(t, signature)

			// Verify.
			_, handle, err = ks.BeginOperation(ctx, keystore.PurposeVerify, "k", nil)
			require.NoError(t, err)
			_, _, _, err = ks.UpdateOperation(ctx, handle, nil, message)
			require.NoError(t, err)
			_, _, err = ks.FinishOperation(ctx, handle, nil, signature)
			require.NoError(t, err)

			// A corrupted signature must fail verification.
			bad := append([]byte(nil), signature...)
			bad[0] ^= 0xff
			_, handle, err = ks.BeginOperation(ctx, keystore.PurposeVerify, "k", nil)
			require.NoError(t, err)
			_, _, _, err = ks.UpdateOperation(ctx, handle, nil, message)
			require.NoError(t, err)
			_, _, err = ks.FinishOperation(ctx, handle, nil, bad)
			assert.ErrorIs(t, err, keystore.ErrInvalidArgument)
		})
	}
}

func TestVerify_ImportedPublicKey(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	_, err := ks.GenerateKey(ctx, "signer", signingParams(keyparam.AlgorithmED25519))
	require.NoError(t, err)

	pubDER, err := ks.ExportKey(ctx, keystore.FormatX509, "signer")
	require.NoError(t, err)

	verifyOnly := keyparam.NewSet().AddUint32(keyparam.TagPurpose, uint32(keystore.PurposeVerify))
	_, err = ks.ImportKey(ctx, "verifier", verifyOnly, keystore.FormatX509, pubDER)
	require.NoError(t, err)

	message := []byte("signed elsewhere")
	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeSign, "signer", nil)
	require.NoError(t, err)
	_, _, _, err = ks.UpdateOperation(ctx, handle, nil, message)
	require.NoError(t, err)
	_, signature, err := ks.FinishOperation(ctx, handle, nil, nil)
	require.NoError(t, err)

	_, handle, err = ks.BeginOperation(ctx, keystore.PurposeVerify, "verifier", nil)
	require.NoError(t, err)
	_, _, _, err = ks.UpdateOperation(ctx, handle, nil, message)
	require.NoError(t, err)
	_, _, err = ks.FinishOperation(ctx, handle, nil, signature)
	require.NoError(t, err)

	// The public-only key cannot sign.
	_, _, err = ks.BeginOperation(ctx, keystore.PurposeSign, "verifier", nil)
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)
}

func TestBegin_Validation(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	_, _, err := ks.BeginOperation(ctx, keystore.PurposeSign, "missing", nil)
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)

	_, err = ks.GenerateKey(ctx, "sealer", symmetricParams(keyparam.AlgorithmAES))
	require.NoError(t, err)

	// Purpose not granted at generate time.
	_, _, err = ks.BeginOperation(ctx, keystore.PurposeSign, "sealer", nil)
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)

	// Decrypt without the nonce from the encrypt session.
	_, _, err = ks.BeginOperation(ctx, keystore.PurposeDecrypt, "sealer", nil)
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)
}

func TestFinish_VerifyRequiresSignature(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	_, err := ks.GenerateKey(ctx, "k", signingParams(keyparam.AlgorithmHMAC))
	require.NoError(t, err)

	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeVerify, "k", nil)
	require.NoError(t, err)

	_, _, err = ks.FinishOperation(ctx, handle, nil, nil)
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)
}

func TestAbort_TerminalAndUnknownHandles(t *testing.T) {
	ctx := context.Background()
	ks, engine := newTestClient(t)

	_, err := ks.GenerateKey(ctx, "k", signingParams(keyparam.AlgorithmHMAC))
	require.NoError(t, err)

	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeSign, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.LiveOperations())

	require.NoError(t, ks.AbortOperation(ctx, handle))
	assert.Equal(t, 0, engine.LiveOperations())

	assert.ErrorIs(t, ks.AbortOperation(ctx, handle), keystore.ErrHandleNotFound)

	err = ks.AbortOperation(ctx, keystore.OperationHandle(999))
	assert.ErrorIs(t, err, keystore.ErrHandleNotFound)
	assert.NotErrorIs(t, err, keystore.ErrInternal)
}

func TestBegin_OperationLimit(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t, WithMaxOperations(1))

	_, err := ks.GenerateKey(ctx, "k", signingParams(keyparam.AlgorithmHMAC))
	require.NoError(t, err)

	_, h1, err := ks.BeginOperation(ctx, keystore.PurposeSign, "k", nil)
	require.NoError(t, err)

	_, _, err = ks.BeginOperation(ctx, keystore.PurposeSign, "k", nil)
	assert.ErrorIs(t, err, keystore.ErrInternal)

	require.NoError(t, ks.AbortOperation(ctx, h1))
}

func TestAddEntropy(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	require.NoError(t, ks.AddEntropy(ctx, []byte("unpredictable")))

	// Encryption still works with a mixed pool.
	_, err := ks.GenerateKey(ctx, "k", symmetricParams(keyparam.AlgorithmChaCha20))
	require.NoError(t, err)
	plaintext := []byte("payload")
	nonce, ciphertext := encryptAll(t, ks, "k", plaintext)
	assert.Equal(t, plaintext, decryptAll(t, ks, "k", nonce, ciphertext))
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	ks, _ := newTestClient(t)

	_, err := ks.GenerateKey(ctx, "k", symmetricParams(keyparam.AlgorithmAES))
	require.NoError(t, err)

	nonce, ciphertext := encryptAll(t, ks, "k", []byte("payload"))
	ciphertext[0] ^= 0xff

	params := keyparam.NewSet().Add(keyparam.TagNonce, nonce)
	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeDecrypt, "k", params)
	require.NoError(t, err)
	_, _, _, err = ks.UpdateOperation(ctx, handle, nil, ciphertext)
	require.NoError(t, err)
	_, _, err = ks.FinishOperation(ctx, handle, nil, nil)
	assert.ErrorIs(t, err, keystore.ErrInvalidArgument)
}
