package httpapi

import (
	"github.com/kenneth/keystore-client/pkg/keyparam"
	"github.com/kenneth/keystore-client/pkg/keystore"
)

// Request bodies accepted by the daemon. Binary fields are base64 on the
// wire via encoding/json.

// EntropyRequest carries caller-supplied entropy for POST /v1/entropy.
type EntropyRequest struct {
	Data []byte `json:"data"`
}

// GenerateRequest is the body of PUT /v1/keys/{name}.
type GenerateRequest struct {
	Params *keyparam.Set `json:"params,omitempty"`
}

// ImportRequest is the body of POST /v1/keys/{name}/import.
type ImportRequest struct {
	Params *keyparam.Set `json:"params,omitempty"`
	Format uint32        `json:"format"`
	Data   []byte        `json:"data"`
}

// ExportRequest is the body of POST /v1/keys/{name}/export.
type ExportRequest struct {
	Format uint32 `json:"format"`
}

// BeginRequest is the body of POST /v1/operations.
type BeginRequest struct {
	Purpose uint32        `json:"purpose"`
	Key     string        `json:"key"`
	Params  *keyparam.Set `json:"params,omitempty"`
}

// UpdateRequest is the body of POST /v1/operations/{handle}/update.
type UpdateRequest struct {
	Params *keyparam.Set `json:"params,omitempty"`
	Input  []byte        `json:"input"`
}

// FinishRequest is the body of POST /v1/operations/{handle}/finish.
type FinishRequest struct {
	Params    *keyparam.Set `json:"params,omitempty"`
	Signature []byte        `json:"signature,omitempty"`
}

// Response is the single envelope every daemon endpoint answers with.
// Code is the raw service code; fields beyond it are populated per
// endpoint. The daemon answers 200 even for service-level failures so
// that a non-200 status always means the request never reached the
// service logic.
type Response struct {
	Code            int32                        `json:"code"`
	Characteristics *keystore.KeyCharacteristics `json:"characteristics,omitempty"`
	Data            []byte                       `json:"data,omitempty"`
	Exists          bool                         `json:"exists,omitempty"`
	Names           []string                     `json:"names,omitempty"`
	Params          *keyparam.Set                `json:"params,omitempty"`
	Handle          uint64                       `json:"handle,omitempty"`
	Consumed        int                          `json:"consumed,omitempty"`
	Output          []byte                       `json:"output,omitempty"`
}
