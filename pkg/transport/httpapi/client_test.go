package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/keystore-client/pkg/keystore"
)

func TestClient_EnvelopeCodePassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/keys/missing", r.URL.Path)
		json.NewEncoder(w).Encode(&Response{Code: keystore.RespKeyNotFound})
	}))
	defer srv.Close()

	code, err := NewClient(srv.URL).DeleteKey(context.Background(), "missing")
	require.NoError(t, err, "a service-level failure is not a transport error")
	assert.Equal(t, keystore.RespKeyNotFound, code)
}

func TestClient_Non200IsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).DeleteKey(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestClient_ConnectionRefusedIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewClient(srv.URL).DeleteAllKeys(context.Background())
	assert.Error(t, err)
}

func TestClient_KeyNamesAreEscaped(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		json.NewEncoder(w).Encode(&Response{Code: keystore.RespOK, Exists: true})
	}))
	defer srv.Close()

	exists, code, err := NewClient(srv.URL).KeyExists(context.Background(), "app/signing key")
	require.NoError(t, err)
	assert.Equal(t, keystore.RespOK, code)
	assert.True(t, exists)
	assert.Equal(t, "/v1/keys/app%2Fsigning%20key/exists", gotPath)
}

func TestClient_ListKeysSendsPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app.", r.URL.Query().Get("prefix"))
		json.NewEncoder(w).Encode(&Response{Code: keystore.RespOK, Names: []string{"app.signing"}})
	}))
	defer srv.Close()

	names, code, err := NewClient(srv.URL).ListKeys(context.Background(), "app.")
	require.NoError(t, err)
	assert.Equal(t, keystore.RespOK, code)
	assert.Equal(t, []string{"app.signing"}, names)
}

func TestClient_MalformedBodyIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).AddEntropy(context.Background(), []byte("x"))
	assert.Error(t, err)
}
