// Package softstore is a software-backed keystore engine implementing
// the keystore.Transport contract in-process. It serves two roles: the
// engine behind the reference daemon, and a hermetic test double for
// code built against keystore.Client. It never returns a transport
// error; every outcome is conveyed as a raw service or module code.
package softstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/kenneth/keystore-client/pkg/keyparam"
	"github.com/kenneth/keystore-client/pkg/keystore"
)

const (
	// DefaultMaxUpdateChunk caps how many input bytes one update call
	// consumes. Unconsumed bytes stay with the caller, exercising the
	// partial-consumption contract.
	DefaultMaxUpdateChunk = 32 * 1024

	// DefaultMaxOperations bounds the live-handle table.
	DefaultMaxOperations = 1024
)

// Engine is a software keystore. All state is held behind the Store and
// the live-operation table; the engine itself is safe for concurrent
// use.
type Engine struct {
	store    Store
	logger   *logrus.Logger
	rng      io.Reader
	maxChunk int
	maxOps   int

	mu   sync.Mutex
	ops  map[keystore.OperationHandle]*operation
	pool [sha256.Size]byte // entropy pool mixed into nonce derivation
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore selects the key-record store. Defaults to an in-memory map.
func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithLogger sets the engine logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxUpdateChunk caps per-update input consumption.
func WithMaxUpdateChunk(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxChunk = n
		}
	}
}

// WithMaxOperations bounds the number of concurrently live handles.
func WithMaxOperations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxOps = n
		}
	}
}

// New returns a ready engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		rng:      rand.Reader,
		maxChunk: DefaultMaxUpdateChunk,
		maxOps:   DefaultMaxOperations,
		ops:      make(map[keystore.OperationHandle]*operation),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	if e.logger == nil {
		e.logger = logrus.New()
		e.logger.SetOutput(io.Discard)
	}
	return e
}

// AddEntropy folds caller entropy into the pool used for nonce
// derivation. The pool only ever supplements crypto/rand, so weak input
// cannot hurt.
func (e *Engine) AddEntropy(_ context.Context, entropy []byte) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := sha256.New()
	h.Write(e.pool[:])
	h.Write(entropy)
	copy(e.pool[:], h.Sum(nil))
	return keystore.RespOK, nil
}

// randomBytes fills a fresh buffer from the RNG, stretched through HKDF
// with the entropy pool as salt.
func (e *Engine) randomBytes(n int, info string) ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(e.rng, seed); err != nil {
		return nil, err
	}
	e.mu.Lock()
	salt := e.pool
	e.mu.Unlock()

	out := make([]byte, n)
	r := hkdf.New(sha256.New, seed, salt[:], []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) GenerateKey(ctx context.Context, name string, params *keyparam.Set) (*keystore.KeyCharacteristics, int32, error) {
	if name == "" {
		return nil, keystore.ModInvalidKeyName, nil
	}
	algorithm, ok := params.FirstUint32(keyparam.TagAlgorithm)
	if !ok {
		return nil, keystore.ModUnsupportedAlgorithm, nil
	}
	purposes := purposesFrom(params)
	if len(purposes) == 0 {
		return nil, keystore.ModUnsupportedPurpose, nil
	}

	rec, code := e.generateRecord(name, algorithm, purposes, params)
	if code != keystore.RespOK {
		return nil, code, nil
	}

	if code := e.putRecord(ctx, rec); code != keystore.RespOK {
		return nil, code, nil
	}

	e.logger.WithFields(logrus.Fields{
		"key":       name,
		"algorithm": algorithm,
	}).Info("Generated key")

	return characteristicsOf(rec), keystore.RespOK, nil
}

func (e *Engine) ImportKey(ctx context.Context, name string, params *keyparam.Set, format keystore.KeyFormat, keyData []byte) (*keystore.KeyCharacteristics, int32, error) {
	if name == "" {
		return nil, keystore.ModInvalidKeyName, nil
	}
	purposes := purposesFrom(params)
	if len(purposes) == 0 {
		return nil, keystore.ModUnsupportedPurpose, nil
	}

	rec, code := importRecord(name, purposes, params, format, keyData)
	if code != keystore.RespOK {
		return nil, code, nil
	}

	if code := e.putRecord(ctx, rec); code != keystore.RespOK {
		return nil, code, nil
	}

	e.logger.WithFields(logrus.Fields{
		"key":    name,
		"format": format.String(),
	}).Info("Imported key")

	return characteristicsOf(rec), keystore.RespOK, nil
}

func (e *Engine) GetKeyCharacteristics(ctx context.Context, name string) (*keystore.KeyCharacteristics, int32, error) {
	rec, code := e.getRecord(ctx, name)
	if code != keystore.RespOK {
		return nil, code, nil
	}
	return characteristicsOf(rec), keystore.RespOK, nil
}

func (e *Engine) ExportKey(ctx context.Context, format keystore.KeyFormat, name string) ([]byte, int32, error) {
	rec, code := e.getRecord(ctx, name)
	if code != keystore.RespOK {
		return nil, code, nil
	}
	if format != keystore.FormatX509 {
		return nil, keystore.ModUnsupportedFormat, nil
	}
	if len(rec.PublicDER) == 0 {
		// Symmetric and private material never leaves the engine.
		return nil, keystore.RespExportNotAllowed, nil
	}
	out := make([]byte, len(rec.PublicDER))
	copy(out, rec.PublicDER)
	return out, keystore.RespOK, nil
}

func (e *Engine) DeleteKey(ctx context.Context, name string) (int32, error) {
	switch err := e.store.Delete(ctx, name); err {
	case nil:
		e.logger.WithField("key", name).Info("Deleted key")
		return keystore.RespOK, nil
	case ErrRecordNotFound:
		return keystore.RespKeyNotFound, nil
	default:
		e.logger.WithError(err).Error("Key store delete failed")
		return keystore.RespSystemError, nil
	}
}

func (e *Engine) DeleteAllKeys(ctx context.Context) (int32, error) {
	if err := e.store.DeleteAll(ctx); err != nil {
		e.logger.WithError(err).Error("Key store wipe failed")
		return keystore.RespSystemError, nil
	}
	e.logger.Warn("Deleted all keys")
	return keystore.RespOK, nil
}

func (e *Engine) KeyExists(ctx context.Context, name string) (bool, int32, error) {
	switch _, err := e.store.Get(ctx, name); err {
	case nil:
		return true, keystore.RespOK, nil
	case ErrRecordNotFound:
		return false, keystore.RespOK, nil
	default:
		e.logger.WithError(err).Error("Key store lookup failed")
		return false, keystore.RespSystemError, nil
	}
}

func (e *Engine) ListKeys(ctx context.Context, prefix string) ([]string, int32, error) {
	names, err := e.store.List(ctx)
	if err != nil {
		e.logger.WithError(err).Error("Key store list failed")
		return nil, keystore.RespSystemError, nil
	}
	matched := make([]string, 0, len(names))
	for _, name := range names {
		// Names are opaque strings; the prefix is literal, never a
		// pattern.
		if strings.HasPrefix(name, prefix) {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)
	return matched, keystore.RespOK, nil
}

// getRecord translates store lookup outcomes into response codes.
func (e *Engine) getRecord(ctx context.Context, name string) (*KeyRecord, int32) {
	rec, err := e.store.Get(ctx, name)
	switch err {
	case nil:
		return rec, keystore.RespOK
	case ErrRecordNotFound:
		return nil, keystore.RespKeyNotFound
	default:
		e.logger.WithError(err).Error("Key store lookup failed")
		return nil, keystore.RespSystemError
	}
}

func (e *Engine) putRecord(ctx context.Context, rec *KeyRecord) int32 {
	switch err := e.store.Put(ctx, rec); err {
	case nil:
		return keystore.RespOK
	case ErrRecordExists:
		return keystore.RespKeyExists
	default:
		e.logger.WithError(err).Error("Key store put failed")
		return keystore.RespSystemError
	}
}

// purposesFrom collects every TagPurpose value in order.
func purposesFrom(params *keyparam.Set) []uint32 {
	var out []uint32
	for _, raw := range params.All(keyparam.TagPurpose) {
		if len(raw) != 4 {
			continue
		}
		p := keyparam.Param{Tag: keyparam.TagPurpose, Value: raw}
		if v, ok := p.Uint32(); ok {
			out = append(out, v)
		}
	}
	return out
}

// characteristicsOf builds the enforced pair for a record. The hardware
// set claims algorithm, key size, and purposes; the software set claims
// provenance. No tag appears in both.
func characteristicsOf(rec *KeyRecord) *keystore.KeyCharacteristics {
	return &keystore.KeyCharacteristics{
		HardwareEnforced: rec.Hardware.Clone(),
		SoftwareEnforced: rec.Software.Clone(),
	}
}

// buildCharacteristics populates the enforced pair on a fresh record.
func buildCharacteristics(rec *KeyRecord, keyBits uint32, origin uint32) {
	hw := keyparam.NewSet()
	for _, p := range rec.Purposes {
		hw.AddUint32(keyparam.TagPurpose, p)
	}
	hw.AddUint32(keyparam.TagAlgorithm, rec.Algorithm)
	hw.AddUint32(keyparam.TagKeySize, keyBits)

	sw := keyparam.NewSet()
	sw.AddUint32(keyparam.TagCreationDate, uint32(time.Now().Unix()))
	sw.AddUint32(keyparam.TagOrigin, origin)

	rec.Hardware = hw
	rec.Software = sw
}
