package keystore

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/keystore-client/pkg/keyparam"
)

// client is the transport-backed Client implementation. Stateless key
// management calls pass straight through to the transport; operation
// sessions are additionally tracked in a local session table so that
// ordering violations and dead-handle use are caught on this side of the
// boundary, without mutating service state.
type client struct {
	transport Transport
	sessions  *sessionTable
	logger    *logrus.Logger
}

// Option configures a Client.
type Option func(*client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *client) {
		c.logger = logger
	}
}

// New returns a Client backed by the given transport.
func New(transport Transport, opts ...Option) Client {
	c := &client{
		transport: transport,
		sessions:  newSessionTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.SetOutput(io.Discard)
	}
	return c
}

func (c *client) AddEntropy(ctx context.Context, entropy []byte) error {
	code, err := c.transport.AddEntropy(ctx, entropy)
	return c.result(ctx, "add entropy", code, err)
}

func (c *client) GenerateKey(ctx context.Context, name string, params *keyparam.Set) (*KeyCharacteristics, error) {
	chars, code, err := c.transport.GenerateKey(ctx, name, params)
	if err := c.result(ctx, "generate key", code, err); err != nil {
		return nil, err
	}
	return chars, nil
}

func (c *client) GetKeyCharacteristics(ctx context.Context, name string) (*KeyCharacteristics, error) {
	chars, code, err := c.transport.GetKeyCharacteristics(ctx, name)
	if err := c.result(ctx, "get key characteristics", code, err); err != nil {
		return nil, err
	}
	return chars, nil
}

func (c *client) ImportKey(ctx context.Context, name string, params *keyparam.Set, format KeyFormat, keyData []byte) (*KeyCharacteristics, error) {
	chars, code, err := c.transport.ImportKey(ctx, name, params, format, keyData)
	if err := c.result(ctx, "import key", code, err); err != nil {
		return nil, err
	}
	return chars, nil
}

func (c *client) ExportKey(ctx context.Context, format KeyFormat, name string) ([]byte, error) {
	data, code, err := c.transport.ExportKey(ctx, format, name)
	if err := c.result(ctx, "export key", code, err); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *client) DeleteKey(ctx context.Context, name string) error {
	code, err := c.transport.DeleteKey(ctx, name)
	return c.result(ctx, "delete key", code, err)
}

func (c *client) DeleteAllKeys(ctx context.Context) error {
	code, err := c.transport.DeleteAllKeys(ctx)
	return c.result(ctx, "delete all keys", code, err)
}

// DoesKeyExist collapses every failure to false by contract. See the
// Client interface documentation before relying on a false return.
func (c *client) DoesKeyExist(ctx context.Context, name string) bool {
	exists, code, err := c.transport.KeyExists(ctx, name)
	if err := c.result(ctx, "key exists", code, err); err != nil {
		return false
	}
	return exists
}

func (c *client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	names, code, err := c.transport.ListKeys(ctx, prefix)
	if err := c.result(ctx, "list keys", code, err); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *client) BeginOperation(ctx context.Context, purpose Purpose, name string, params *keyparam.Set) (*keyparam.Set, OperationHandle, error) {
	const op = "begin operation"

	res, code, err := c.transport.Begin(ctx, purpose, name, params)
	if err := c.result(ctx, op, code, err); err != nil {
		return nil, 0, err
	}

	s := &session{
		handle:  res.Handle,
		purpose: purpose,
		key:     name,
		state:   stateBegan,
	}
	if !c.sessions.insert(s) {
		// The service minted a handle value that is still live here,
		// violating handle uniqueness. Release the new session and give
		// up rather than corrupt the existing one.
		if _, abortErr := c.transport.Abort(ctx, res.Handle); abortErr != nil {
			c.logger.WithError(abortErr).WithField("handle", res.Handle).
				Warn("Failed to abort duplicate-handle session")
		}
		return nil, 0, usageError(op, KindInternalError, SentinelFailure, "service returned a live handle")
	}

	c.logger.WithFields(logrus.Fields{
		"handle":  res.Handle,
		"key":     name,
		"purpose": purpose.String(),
	}).Debug("Operation session opened")

	return res.Params, res.Handle, nil
}

func (c *client) UpdateOperation(ctx context.Context, handle OperationHandle, params *keyparam.Set, input []byte) (int, *keyparam.Set, []byte, error) {
	const op = "update operation"

	s := c.sessions.acquire(handle)
	if s == nil {
		return 0, nil, nil, usageError(op, KindHandleNotFound, ModInvalidOperationHandle, "handle is not live")
	}
	defer s.mu.Unlock()

	res, code, err := c.transport.Update(ctx, handle, params, input)
	if err != nil {
		// The round trip failed and the service-side state is unknown.
		// Keep the session live so the caller can abort it.
		return 0, nil, nil, transportError(op, err)
	}
	if rerr := FromRaw(op, code); rerr != nil {
		// A service-reported failure ends the operation; the handle is
		// dead on both sides.
		c.sessions.kill(s)
		return 0, nil, nil, rerr
	}

	if res.Consumed < 0 || res.Consumed > len(input) {
		// The service claims a byte count it cannot have consumed.
		// Accounting is untrustworthy now; keep the handle live so the
		// caller can still abort it.
		return 0, nil, nil, usageError(op, KindInternalError, SentinelFailure,
			fmt.Sprintf("service consumed %d of %d input bytes", res.Consumed, len(input)))
	}

	s.state = stateUpdating
	s.submitted += uint64(len(input))
	s.consumed += uint64(res.Consumed)
	s.unresolved = uint64(len(input) - res.Consumed)

	return res.Consumed, res.Params, res.Output, nil
}

func (c *client) FinishOperation(ctx context.Context, handle OperationHandle, params *keyparam.Set, signature []byte) (*keyparam.Set, []byte, error) {
	const op = "finish operation"

	s := c.sessions.acquire(handle)
	if s == nil {
		return nil, nil, usageError(op, KindHandleNotFound, ModInvalidOperationHandle, "handle is not live")
	}
	defer s.mu.Unlock()

	if len(signature) > 0 && s.purpose != PurposeVerify {
		// Contract violation detected locally; the session stays live.
		return nil, nil, usageError(op, KindInvalidArgument, ModUnexpectedSignature,
			"signature supplied for a non-verify session")
	}

	res, code, err := c.transport.Finish(ctx, handle, params, signature)
	if err != nil {
		return nil, nil, transportError(op, err)
	}
	if rerr := FromRaw(op, code); rerr != nil {
		c.sessions.kill(s)
		return nil, nil, rerr
	}

	c.sessions.kill(s)
	c.logger.WithFields(logrus.Fields{
		"handle":   handle,
		"key":      s.key,
		"consumed": s.consumed,
	}).Debug("Operation session finished")

	return res.Params, res.Output, nil
}

func (c *client) AbortOperation(ctx context.Context, handle OperationHandle) error {
	const op = "abort operation"

	s := c.sessions.acquire(handle)
	if s == nil {
		return usageError(op, KindHandleNotFound, ModInvalidOperationHandle, "handle is not live")
	}
	defer s.mu.Unlock()

	code, err := c.transport.Abort(ctx, handle)
	if err != nil {
		// Keep the session so abort can be retried for resource release.
		return transportError(op, err)
	}

	// Whatever the service reported, the handle is finished locally.
	c.sessions.kill(s)
	return FromRaw(op, code)
}

// LiveSessions reports how many sessions this client currently tracks.
// Every successful BeginOperation must eventually be matched by exactly
// one terminal call, so a steadily growing count indicates a leak.
func LiveSessions(c Client) int {
	impl, ok := c.(*client)
	if !ok {
		return 0
	}
	return impl.sessions.count()
}

// result converges a transport outcome into the canonical error space
// and logs non-success results.
func (c *client) result(_ context.Context, op string, code int32, err error) error {
	if err != nil {
		c.logger.WithError(err).WithField("op", op).Debug("Transport failure")
		return transportError(op, err)
	}
	rerr := FromRaw(op, code)
	if rerr != nil {
		c.logger.WithFields(logrus.Fields{"op": op, "code": code}).Debug("Service reported failure")
	}
	return rerr
}
