package softstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"hash"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kenneth/keystore-client/pkg/keyparam"
	"github.com/kenneth/keystore-client/pkg/keystore"
)

// operation is one live session in the engine's handle table. AEAD
// purposes and Ed25519 signing buffer the whole message; HMAC and ECDSA
// stream through a running hash.
type operation struct {
	purpose   keystore.Purpose
	keyName   string
	algorithm uint32

	aead    cipher.AEAD
	nonce   []byte
	mac     hash.Hash
	digest  hash.Hash
	message []byte

	ecPriv *ecdsa.PrivateKey
	edPriv ed25519.PrivateKey
	ecPub  *ecdsa.PublicKey
	edPub  ed25519.PublicKey
}

func (e *Engine) Begin(ctx context.Context, purpose keystore.Purpose, name string, params *keyparam.Set) (*keystore.BeginResult, int32, error) {
	rec, code := e.getRecord(ctx, name)
	if code != keystore.RespOK {
		return nil, code, nil
	}
	if !rec.allowsPurpose(uint32(purpose)) {
		return nil, keystore.ModIncompatiblePurpose, nil
	}

	op := &operation{
		purpose:   purpose,
		keyName:   name,
		algorithm: rec.Algorithm,
	}

	outParams := keyparam.NewSet()

	switch purpose {
	case keystore.PurposeEncrypt, keystore.PurposeDecrypt:
		aead, code := newAEAD(rec)
		if code != keystore.RespOK {
			return nil, code, nil
		}
		op.aead = aead
		if purpose == keystore.PurposeEncrypt {
			// The engine, not the caller, picks the nonce. Returning it
			// in the resolved set is what makes that set authoritative.
			nonce, err := e.randomBytes(aead.NonceSize(), "op-nonce")
			if err != nil {
				return nil, keystore.RespSystemError, nil
			}
			op.nonce = nonce
			outParams.Add(keyparam.TagNonce, nonce)
		} else {
			p, ok := params.First(keyparam.TagNonce)
			if !ok || len(p.Value) != aead.NonceSize() {
				return nil, keystore.ModInvalidNonce, nil
			}
			// Copy so a caller sharing this process cannot mutate the
			// session's nonce through the parameter set after begin.
			op.nonce = append([]byte(nil), p.Value...)
		}

	case keystore.PurposeSign:
		if code := op.bindSigner(rec); code != keystore.RespOK {
			return nil, code, nil
		}

	case keystore.PurposeVerify:
		if code := op.bindVerifier(rec); code != keystore.RespOK {
			return nil, code, nil
		}

	default:
		return nil, keystore.ModUnsupportedPurpose, nil
	}

	handle, code := e.mintHandle(op)
	if code != keystore.RespOK {
		return nil, code, nil
	}

	e.logger.WithFields(logrus.Fields{
		"handle":  handle,
		"key":     name,
		"purpose": purpose.String(),
	}).Debug("Operation began")

	return &keystore.BeginResult{Params: outParams, Handle: handle}, keystore.RespOK, nil
}

func (e *Engine) Update(_ context.Context, handle keystore.OperationHandle, _ *keyparam.Set, input []byte) (*keystore.UpdateResult, int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.ops[handle]
	if !ok {
		return nil, keystore.ModInvalidOperationHandle, nil
	}

	// Consume at most one chunk; the remainder is the caller's to
	// re-submit.
	n := len(input)
	if n > e.maxChunk {
		n = e.maxChunk
	}
	op.consume(input[:n])

	return &keystore.UpdateResult{Consumed: n}, keystore.RespOK, nil
}

func (e *Engine) Finish(_ context.Context, handle keystore.OperationHandle, _ *keyparam.Set, signature []byte) (*keystore.FinishResult, int32, error) {
	e.mu.Lock()
	op, ok := e.ops[handle]
	if ok {
		// The operation is terminal no matter how finish turns out.
		delete(e.ops, handle)
	}
	e.mu.Unlock()

	if !ok {
		return nil, keystore.ModInvalidOperationHandle, nil
	}

	if op.purpose != keystore.PurposeVerify && len(signature) > 0 {
		return nil, keystore.ModUnexpectedSignature, nil
	}
	if op.purpose == keystore.PurposeVerify && len(signature) == 0 {
		return nil, keystore.ModVerificationFailed, nil
	}

	switch op.purpose {
	case keystore.PurposeEncrypt:
		out := op.aead.Seal(nil, op.nonce, op.message, nil)
		return &keystore.FinishResult{Output: out}, keystore.RespOK, nil

	case keystore.PurposeDecrypt:
		out, err := op.aead.Open(nil, op.nonce, op.message, nil)
		if err != nil {
			return nil, keystore.ModVerificationFailed, nil
		}
		return &keystore.FinishResult{Output: out}, keystore.RespOK, nil

	case keystore.PurposeSign:
		out, code := op.sign(e.rng)
		if code != keystore.RespOK {
			return nil, code, nil
		}
		return &keystore.FinishResult{Output: out}, keystore.RespOK, nil

	case keystore.PurposeVerify:
		if !op.verify(signature) {
			return nil, keystore.ModVerificationFailed, nil
		}
		return &keystore.FinishResult{}, keystore.RespOK, nil
	}

	return nil, keystore.SentinelFailure, nil
}

func (e *Engine) Abort(_ context.Context, handle keystore.OperationHandle) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.ops[handle]; !ok {
		return keystore.ModInvalidOperationHandle, nil
	}
	delete(e.ops, handle)
	e.logger.WithField("handle", handle).Debug("Operation aborted")
	return keystore.RespOK, nil
}

// LiveOperations reports the number of handles currently in the table.
func (e *Engine) LiveOperations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ops)
}

// mintHandle allocates a unique nonzero handle and registers the
// operation.
func (e *Engine) mintHandle(op *operation) (keystore.OperationHandle, int32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.ops) >= e.maxOps {
		return 0, keystore.ModMemoryExhausted
	}

	var buf [8]byte
	for {
		if _, err := io.ReadFull(e.rng, buf[:]); err != nil {
			return 0, keystore.RespSystemError
		}
		handle := keystore.OperationHandle(binary.BigEndian.Uint64(buf[:]))
		if handle == 0 {
			continue
		}
		if _, taken := e.ops[handle]; taken {
			continue
		}
		e.ops[handle] = op
		return handle, keystore.RespOK
	}
}

// newAEAD builds the cipher for a symmetric record.
func newAEAD(rec *KeyRecord) (cipher.AEAD, int32) {
	if len(rec.Material) == 0 {
		// Public-only keys cannot encrypt or decrypt here.
		return nil, keystore.ModIncompatiblePurpose
	}
	switch rec.Algorithm {
	case keyparam.AlgorithmAES:
		block, err := aes.NewCipher(rec.Material)
		if err != nil {
			return nil, keystore.ModInvalidKeyMaterial
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, keystore.ModInvalidKeyMaterial
		}
		return aead, keystore.RespOK
	case keyparam.AlgorithmChaCha20:
		aead, err := chacha20poly1305.New(rec.Material)
		if err != nil {
			return nil, keystore.ModInvalidKeyMaterial
		}
		return aead, keystore.RespOK
	default:
		return nil, keystore.ModIncompatiblePurpose
	}
}

// bindSigner prepares the operation to produce a signature or MAC.
func (op *operation) bindSigner(rec *KeyRecord) int32 {
	if len(rec.Material) == 0 {
		return keystore.ModIncompatiblePurpose
	}
	switch rec.Algorithm {
	case keyparam.AlgorithmHMAC:
		op.mac = hmac.New(sha256.New, rec.Material)
	case keyparam.AlgorithmEC:
		key, err := x509.ParsePKCS8PrivateKey(rec.Material)
		if err != nil {
			return keystore.RespValueCorrupted
		}
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return keystore.RespValueCorrupted
		}
		op.ecPriv = priv
		op.digest = sha256.New()
	case keyparam.AlgorithmED25519:
		key, err := x509.ParsePKCS8PrivateKey(rec.Material)
		if err != nil {
			return keystore.RespValueCorrupted
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return keystore.RespValueCorrupted
		}
		op.edPriv = priv
	default:
		return keystore.ModIncompatiblePurpose
	}
	return keystore.RespOK
}

// bindVerifier prepares the operation to check a signature or MAC.
func (op *operation) bindVerifier(rec *KeyRecord) int32 {
	switch rec.Algorithm {
	case keyparam.AlgorithmHMAC:
		if len(rec.Material) == 0 {
			return keystore.ModIncompatiblePurpose
		}
		op.mac = hmac.New(sha256.New, rec.Material)
	case keyparam.AlgorithmEC:
		pub, err := x509.ParsePKIXPublicKey(rec.PublicDER)
		if err != nil {
			return keystore.RespValueCorrupted
		}
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return keystore.RespValueCorrupted
		}
		op.ecPub = ecPub
		op.digest = sha256.New()
	case keyparam.AlgorithmED25519:
		pub, err := x509.ParsePKIXPublicKey(rec.PublicDER)
		if err != nil {
			return keystore.RespValueCorrupted
		}
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return keystore.RespValueCorrupted
		}
		op.edPub = edPub
	default:
		return keystore.ModIncompatiblePurpose
	}
	return keystore.RespOK
}

// consume feeds accepted input into the operation state.
func (op *operation) consume(input []byte) {
	switch {
	case op.mac != nil:
		op.mac.Write(input)
	case op.digest != nil:
		op.digest.Write(input)
	default:
		op.message = append(op.message, input...)
	}
}

func (op *operation) sign(rng io.Reader) ([]byte, int32) {
	switch {
	case op.mac != nil:
		return op.mac.Sum(nil), keystore.RespOK
	case op.ecPriv != nil:
		sig, err := ecdsa.SignASN1(rng, op.ecPriv, op.digest.Sum(nil))
		if err != nil {
			return nil, keystore.RespSystemError
		}
		return sig, keystore.RespOK
	case op.edPriv != nil:
		return ed25519.Sign(op.edPriv, op.message), keystore.RespOK
	}
	return nil, keystore.SentinelFailure
}

func (op *operation) verify(signature []byte) bool {
	switch {
	case op.mac != nil:
		return hmac.Equal(op.mac.Sum(nil), signature)
	case op.ecPub != nil:
		return ecdsa.VerifyASN1(op.ecPub, op.digest.Sum(nil), signature)
	case op.edPub != nil:
		return ed25519.Verify(op.edPub, op.message, signature)
	}
	return false
}
