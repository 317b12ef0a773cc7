// Package httpapi provides an HTTP/JSON transport for the keystore client,
// speaking the wire protocol served by keystored. The client implements
// keystore.Transport: every method returns the raw service code from the
// response envelope, and reserves its error return for round-trip failures
// (connection refused, non-200 status, malformed body).
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/keystore-client/internal/debug"
	"github.com/kenneth/keystore-client/pkg/keyparam"
	"github.com/kenneth/keystore-client/pkg/keystore"
)

// DefaultTimeout bounds a single round trip when the caller's context
// carries no deadline of its own.
const DefaultTimeout = 30 * time.Second

// Client talks to a keystored instance over HTTP.
type Client struct {
	baseURL    string
	httpc      *http.Client
	logger     logrus.FieldLogger
	authSecret string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithLogger sets the logger used for debug request tracing.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithAuthSecret enables request signing with the daemon's shared
// secret.
func WithAuthSecret(secret string) Option {
	return func(c *Client) { c.authSecret = secret }
}

// NewClient creates a transport bound to baseURL, e.g. "http://127.0.0.1:7499".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: DefaultTimeout},
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ keystore.Transport = (*Client)(nil)

func (c *Client) call(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authSecret != "" {
		SignRequest(req, c.authSecret)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}

	if debug.Enabled() {
		c.logger.WithFields(logrus.Fields{
			"method":   method,
			"path":     path,
			"code":     envelope.Code,
			"duration": time.Since(start),
		}).Debug("keystored round trip")
	}
	return &envelope, nil
}

func keyPath(name string) string {
	return "/v1/keys/" + url.PathEscape(name)
}

func operationPath(handle keystore.OperationHandle) string {
	return "/v1/operations/" + strconv.FormatUint(uint64(handle), 10)
}

// AddEntropy mixes caller entropy into the service RNG.
func (c *Client) AddEntropy(ctx context.Context, data []byte) (int32, error) {
	resp, err := c.call(ctx, http.MethodPost, "/v1/entropy", &EntropyRequest{Data: data})
	if err != nil {
		return 0, err
	}
	return resp.Code, nil
}

// GenerateKey creates a new key under name.
func (c *Client) GenerateKey(ctx context.Context, name string, params *keyparam.Set) (*keystore.KeyCharacteristics, int32, error) {
	resp, err := c.call(ctx, http.MethodPut, keyPath(name), &GenerateRequest{Params: params})
	if err != nil {
		return nil, 0, err
	}
	return resp.Characteristics, resp.Code, nil
}

// GetKeyCharacteristics fetches the enforcement split for name.
func (c *Client) GetKeyCharacteristics(ctx context.Context, name string) (*keystore.KeyCharacteristics, int32, error) {
	resp, err := c.call(ctx, http.MethodGet, keyPath(name), nil)
	if err != nil {
		return nil, 0, err
	}
	return resp.Characteristics, resp.Code, nil
}

// ImportKey installs caller-supplied key material under name.
func (c *Client) ImportKey(ctx context.Context, name string, params *keyparam.Set, format keystore.KeyFormat, keyData []byte) (*keystore.KeyCharacteristics, int32, error) {
	body := &ImportRequest{Params: params, Format: uint32(format), Data: keyData}
	resp, err := c.call(ctx, http.MethodPost, keyPath(name)+"/import", body)
	if err != nil {
		return nil, 0, err
	}
	return resp.Characteristics, resp.Code, nil
}

// ExportKey retrieves public key material for name.
func (c *Client) ExportKey(ctx context.Context, format keystore.KeyFormat, name string) ([]byte, int32, error) {
	resp, err := c.call(ctx, http.MethodPost, keyPath(name)+"/export", &ExportRequest{Format: uint32(format)})
	if err != nil {
		return nil, 0, err
	}
	return resp.Data, resp.Code, nil
}

// DeleteKey removes name.
func (c *Client) DeleteKey(ctx context.Context, name string) (int32, error) {
	resp, err := c.call(ctx, http.MethodDelete, keyPath(name), nil)
	if err != nil {
		return 0, err
	}
	return resp.Code, nil
}

// DeleteAllKeys removes every key.
func (c *Client) DeleteAllKeys(ctx context.Context) (int32, error) {
	resp, err := c.call(ctx, http.MethodDelete, "/v1/keys", nil)
	if err != nil {
		return 0, err
	}
	return resp.Code, nil
}

// KeyExists reports whether name is present.
func (c *Client) KeyExists(ctx context.Context, name string) (bool, int32, error) {
	resp, err := c.call(ctx, http.MethodGet, keyPath(name)+"/exists", nil)
	if err != nil {
		return false, 0, err
	}
	return resp.Exists, resp.Code, nil
}

// ListKeys returns the names matching prefix.
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, int32, error) {
	path := "/v1/keys"
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	resp, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	return resp.Names, resp.Code, nil
}

// Begin starts a cryptographic operation on name.
func (c *Client) Begin(ctx context.Context, purpose keystore.Purpose, name string, params *keyparam.Set) (*keystore.BeginResult, int32, error) {
	body := &BeginRequest{Purpose: uint32(purpose), Key: name, Params: params}
	resp, err := c.call(ctx, http.MethodPost, "/v1/operations", body)
	if err != nil {
		return nil, 0, err
	}
	result := &keystore.BeginResult{
		Params: resp.Params,
		Handle: keystore.OperationHandle(resp.Handle),
	}
	return result, resp.Code, nil
}

// Update feeds input to a running operation.
func (c *Client) Update(ctx context.Context, handle keystore.OperationHandle, params *keyparam.Set, input []byte) (*keystore.UpdateResult, int32, error) {
	body := &UpdateRequest{Params: params, Input: input}
	resp, err := c.call(ctx, http.MethodPost, operationPath(handle)+"/update", body)
	if err != nil {
		return nil, 0, err
	}
	result := &keystore.UpdateResult{
		Consumed: resp.Consumed,
		Params:   resp.Params,
		Output:   resp.Output,
	}
	return result, resp.Code, nil
}

// Finish completes a running operation.
func (c *Client) Finish(ctx context.Context, handle keystore.OperationHandle, params *keyparam.Set, signature []byte) (*keystore.FinishResult, int32, error) {
	body := &FinishRequest{Params: params, Signature: signature}
	resp, err := c.call(ctx, http.MethodPost, operationPath(handle)+"/finish", body)
	if err != nil {
		return nil, 0, err
	}
	result := &keystore.FinishResult{
		Params: resp.Params,
		Output: resp.Output,
	}
	return result, resp.Code, nil
}

// Abort cancels a running operation.
func (c *Client) Abort(ctx context.Context, handle keystore.OperationHandle) (int32, error) {
	resp, err := c.call(ctx, http.MethodDelete, operationPath(handle), nil)
	if err != nil {
		return 0, err
	}
	return resp.Code, nil
}
