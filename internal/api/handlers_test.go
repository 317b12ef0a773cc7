package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/keystore-client/internal/audit"
	"github.com/kenneth/keystore-client/internal/metrics"
	"github.com/kenneth/keystore-client/pkg/keyparam"
	"github.com/kenneth/keystore-client/pkg/keystore"
	"github.com/kenneth/keystore-client/pkg/softstore"
	"github.com/kenneth/keystore-client/pkg/transport/httpapi"
)

type testServer struct {
	router *mux.Router
	audit  audit.Logger
}

func newTestServer(t *testing.T, opts ...HandlerOption) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	engine := softstore.New(softstore.WithLogger(logger))
	auditLog := audit.NewLogger(100, &discardWriter{})
	opts = append([]HandlerOption{WithAuditLogger(auditLog)}, opts...)

	handler := NewHandler(engine, logger, metrics.New(engine.LiveOperations), opts...)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return &testServer{router: router, audit: auditLog}
}

type discardWriter struct{}

func (discardWriter) WriteEvent(*audit.Event) error { return nil }

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, *httpapi.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		return w, nil
	}
	var envelope httpapi.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
	return w, &envelope
}

func generateBody(purposes ...keystore.Purpose) *httpapi.GenerateRequest {
	params := keyparam.NewSet().AddUint32(keyparam.TagAlgorithm, keyparam.AlgorithmAES)
	for _, p := range purposes {
		params.AddUint32(keyparam.TagPurpose, uint32(p))
	}
	return &httpapi.GenerateRequest{Params: params}
}

func TestGenerateAndCharacteristics(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(t, "PUT", "/v1/keys/sealer", generateBody(keystore.PurposeEncrypt, keystore.PurposeDecrypt))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, resp)
	assert.Equal(t, keystore.RespOK, resp.Code)
	require.NotNil(t, resp.Characteristics)
	assert.True(t, resp.Characteristics.HardwareEnforced.Contains(keyparam.TagAlgorithm))

	_, resp = ts.do(t, "GET", "/v1/keys/sealer", nil)
	assert.Equal(t, keystore.RespOK, resp.Code)
	require.NotNil(t, resp.Characteristics)

	_, resp = ts.do(t, "GET", "/v1/keys/absent", nil)
	assert.Equal(t, keystore.RespKeyNotFound, resp.Code)
}

func TestServiceErrorsStayHTTP200(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, "PUT", "/v1/keys/dup", generateBody(keystore.PurposeEncrypt, keystore.PurposeDecrypt))
	w, resp := ts.do(t, "PUT", "/v1/keys/dup", generateBody(keystore.PurposeEncrypt, keystore.PurposeDecrypt))

	assert.Equal(t, http.StatusOK, w.Code, "service failures ride the envelope, not the status line")
	assert.Equal(t, keystore.RespKeyExists, resp.Code)
}

func TestMalformedBodyIs400(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("PUT", "/v1/keys/k", bytes.NewReader([]byte("{nope")))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEscapedKeyNames(t *testing.T) {
	ts := newTestServer(t)

	_, resp := ts.do(t, "PUT", "/v1/keys/app%2Fsealing%20key", generateBody(keystore.PurposeEncrypt, keystore.PurposeDecrypt))
	require.NotNil(t, resp)
	assert.Equal(t, keystore.RespOK, resp.Code)

	_, resp = ts.do(t, "GET", "/v1/keys/app%2Fsealing%20key/exists", nil)
	assert.True(t, resp.Exists)

	_, resp = ts.do(t, "GET", "/v1/keys", nil)
	assert.Contains(t, resp.Names, "app/sealing key")
}

func TestListKeysWithPrefix(t *testing.T) {
	ts := newTestServer(t)

	for _, name := range []string{"app.one", "app.two", "other"} {
		ts.do(t, "PUT", "/v1/keys/"+name, generateBody(keystore.PurposeEncrypt, keystore.PurposeDecrypt))
	}

	_, resp := ts.do(t, "GET", "/v1/keys?prefix=app.", nil)
	assert.ElementsMatch(t, []string{"app.one", "app.two"}, resp.Names)
}

func TestOperationLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, "PUT", "/v1/keys/k", generateBody(keystore.PurposeEncrypt, keystore.PurposeDecrypt))

	_, resp := ts.do(t, "POST", "/v1/operations", &httpapi.BeginRequest{
		Purpose: uint32(keystore.PurposeEncrypt),
		Key:     "k",
	})
	require.Equal(t, keystore.RespOK, resp.Code)
	require.NotZero(t, resp.Handle)
	handle := resp.Handle

	_, resp = ts.do(t, "POST", fmt.Sprintf("/v1/operations/%d/update", handle), &httpapi.UpdateRequest{Input: []byte("AAAA")})
	require.Equal(t, keystore.RespOK, resp.Code)
	assert.LessOrEqual(t, resp.Consumed, 4)

	_, resp = ts.do(t, "POST", fmt.Sprintf("/v1/operations/%d/finish", handle), &httpapi.FinishRequest{})
	require.Equal(t, keystore.RespOK, resp.Code)
	assert.NotEmpty(t, resp.Output)

	// The handle died with finish.
	_, resp = ts.do(t, "DELETE", fmt.Sprintf("/v1/operations/%d", handle), nil)
	assert.Equal(t, keystore.ModInvalidOperationHandle, resp.Code)
}

func TestAbortReleasesOperation(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, "PUT", "/v1/keys/k", generateBody(keystore.PurposeEncrypt, keystore.PurposeDecrypt))
	_, resp := ts.do(t, "POST", "/v1/operations", &httpapi.BeginRequest{Purpose: uint32(keystore.PurposeEncrypt), Key: "k"})
	require.Equal(t, keystore.RespOK, resp.Code)

	_, resp = ts.do(t, "DELETE", fmt.Sprintf("/v1/operations/%d", resp.Handle), nil)
	assert.Equal(t, keystore.RespOK, resp.Code)
}

func TestBadOperationHandleIs400(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("DELETE", "/v1/operations/not-a-number", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEntropyEndpoint(t *testing.T) {
	ts := newTestServer(t)

	_, resp := ts.do(t, "POST", "/v1/entropy", &httpapi.EntropyRequest{Data: []byte("seed material")})
	assert.Equal(t, keystore.RespOK, resp.Code)
}

func TestAuditTrailRecordsKeyEvents(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, "PUT", "/v1/keys/audited", generateBody(keystore.PurposeEncrypt, keystore.PurposeDecrypt))
	ts.do(t, "DELETE", "/v1/keys/audited", nil)

	events := ts.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventTypeKeyGenerate, events[0].EventType)
	assert.Equal(t, "audited", events[0].Key)
	assert.True(t, events[0].Success)
	assert.Equal(t, audit.EventTypeKeyDelete, events[1].EventType)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/health", "/ready", "/live"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestReadinessFailureIs503(t *testing.T) {
	ts := newTestServer(t, WithReadinessCheck(func(context.Context) error {
		return fmt.Errorf("redis unavailable")
	}))

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, "PUT", "/v1/keys/k", generateBody(keystore.PurposeEncrypt, keystore.PurposeDecrypt))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "keystored_service_operations_total")
}
