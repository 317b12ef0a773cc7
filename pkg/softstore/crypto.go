package softstore

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"

	"github.com/kenneth/keystore-client/pkg/keyparam"
	"github.com/kenneth/keystore-client/pkg/keystore"
)

// generateRecord creates fresh key material for the requested algorithm.
// The returned code is RespOK on success or the module code describing
// what was wrong with the request.
func (e *Engine) generateRecord(name string, algorithm uint32, purposes []uint32, params *keyparam.Set) (*KeyRecord, int32) {
	rec := &KeyRecord{
		Name:      name,
		Algorithm: algorithm,
		Purposes:  purposes,
	}

	switch algorithm {
	case keyparam.AlgorithmAES:
		bits, ok := params.FirstUint32(keyparam.TagKeySize)
		if !ok {
			bits = 256
		}
		if bits != 128 && bits != 192 && bits != 256 {
			return nil, keystore.ModInvalidKeyMaterial
		}
		material, err := e.randomBytes(int(bits/8), "aes-key")
		if err != nil {
			return nil, keystore.RespSystemError
		}
		rec.Material = material
		buildCharacteristics(rec, bits, keyparam.OriginGenerated)

	case keyparam.AlgorithmChaCha20:
		if bits, ok := params.FirstUint32(keyparam.TagKeySize); ok && bits != 256 {
			return nil, keystore.ModInvalidKeyMaterial
		}
		material, err := e.randomBytes(32, "chacha20-key")
		if err != nil {
			return nil, keystore.RespSystemError
		}
		rec.Material = material
		buildCharacteristics(rec, 256, keyparam.OriginGenerated)

	case keyparam.AlgorithmHMAC:
		bits, ok := params.FirstUint32(keyparam.TagKeySize)
		if !ok {
			bits = 256
		}
		if bits < 128 || bits%8 != 0 {
			return nil, keystore.ModInvalidKeyMaterial
		}
		material, err := e.randomBytes(int(bits/8), "hmac-key")
		if err != nil {
			return nil, keystore.RespSystemError
		}
		rec.Material = material
		buildCharacteristics(rec, bits, keyparam.OriginGenerated)

	case keyparam.AlgorithmED25519:
		pub, priv, err := ed25519.GenerateKey(e.rng)
		if err != nil {
			return nil, keystore.RespSystemError
		}
		privDER, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, keystore.RespSystemError
		}
		pubDER, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, keystore.RespSystemError
		}
		rec.Material = privDER
		rec.PublicDER = pubDER
		buildCharacteristics(rec, 256, keyparam.OriginGenerated)

	case keyparam.AlgorithmEC:
		if bits, ok := params.FirstUint32(keyparam.TagKeySize); ok && bits != 256 {
			// Only P-256 is supported.
			return nil, keystore.ModInvalidKeyMaterial
		}
		priv, err := ecdsa.GenerateKey(elliptic.P256(), e.rng)
		if err != nil {
			return nil, keystore.RespSystemError
		}
		privDER, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, keystore.RespSystemError
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return nil, keystore.RespSystemError
		}
		rec.Material = privDER
		rec.PublicDER = pubDER
		buildCharacteristics(rec, 256, keyparam.OriginGenerated)

	default:
		return nil, keystore.ModUnsupportedAlgorithm
	}

	return rec, keystore.RespOK
}

// importRecord validates and wraps caller-supplied key material.
func importRecord(name string, purposes []uint32, params *keyparam.Set, format keystore.KeyFormat, keyData []byte) (*KeyRecord, int32) {
	rec := &KeyRecord{
		Name:     name,
		Purposes: purposes,
	}

	switch format {
	case keystore.FormatPKCS8:
		key, err := x509.ParsePKCS8PrivateKey(keyData)
		if err != nil {
			return nil, keystore.ModInvalidKeyMaterial
		}
		material := make([]byte, len(keyData))
		copy(material, keyData)
		rec.Material = material

		switch priv := key.(type) {
		case ed25519.PrivateKey:
			rec.Algorithm = keyparam.AlgorithmED25519
			pubDER, err := x509.MarshalPKIXPublicKey(priv.Public())
			if err != nil {
				return nil, keystore.ModInvalidKeyMaterial
			}
			rec.PublicDER = pubDER
		case *ecdsa.PrivateKey:
			if priv.Curve != elliptic.P256() {
				return nil, keystore.ModInvalidKeyMaterial
			}
			rec.Algorithm = keyparam.AlgorithmEC
			pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
			if err != nil {
				return nil, keystore.ModInvalidKeyMaterial
			}
			rec.PublicDER = pubDER
		default:
			return nil, keystore.ModInvalidKeyMaterial
		}
		buildCharacteristics(rec, 256, keyparam.OriginImported)

	case keystore.FormatX509:
		pub, err := x509.ParsePKIXPublicKey(keyData)
		if err != nil {
			return nil, keystore.ModInvalidKeyMaterial
		}
		switch pk := pub.(type) {
		case ed25519.PublicKey:
			rec.Algorithm = keyparam.AlgorithmED25519
		case *ecdsa.PublicKey:
			if pk.Curve != elliptic.P256() {
				return nil, keystore.ModInvalidKeyMaterial
			}
			rec.Algorithm = keyparam.AlgorithmEC
		default:
			return nil, keystore.ModInvalidKeyMaterial
		}
		der := make([]byte, len(keyData))
		copy(der, keyData)
		rec.PublicDER = der
		buildCharacteristics(rec, 256, keyparam.OriginImported)

	case keystore.FormatRaw:
		algorithm, ok := params.FirstUint32(keyparam.TagAlgorithm)
		if !ok {
			return nil, keystore.ModUnsupportedAlgorithm
		}
		switch algorithm {
		case keyparam.AlgorithmAES:
			if n := len(keyData); n != 16 && n != 24 && n != 32 {
				return nil, keystore.ModInvalidKeyMaterial
			}
		case keyparam.AlgorithmChaCha20:
			if len(keyData) != 32 {
				return nil, keystore.ModInvalidKeyMaterial
			}
		case keyparam.AlgorithmHMAC:
			if len(keyData) < 16 {
				return nil, keystore.ModInvalidKeyMaterial
			}
		default:
			return nil, keystore.ModUnsupportedAlgorithm
		}
		rec.Algorithm = algorithm
		material := make([]byte, len(keyData))
		copy(material, keyData)
		rec.Material = material
		buildCharacteristics(rec, uint32(len(keyData)*8), keyparam.OriginImported)

	default:
		return nil, keystore.ModUnsupportedFormat
	}

	return rec, keystore.RespOK
}
