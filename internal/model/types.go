package model

import "time"

const EnvelopeVersion = "v1"

// Envelope is the uniform result shape every command emits: a success
// payload or a typed error, never both.
type Envelope struct {
	Version string       `json:"version"`
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorBody   `json:"error"`
	Meta    EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
}

// CacheStats is the introspection payload for the connection and binding
// caches.
type CacheStats struct {
	Capacity int      `json:"capacity"`
	Size     int      `json:"size"`
	Keys     []string `json:"keys"`
}

type NetworkInfo struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	ChainID      int64  `json:"chain_id"`
	RPCURL       string `json:"rpc_url"`
	ExplorerURL  string `json:"explorer_url,omitempty"`
	NativeSymbol string `json:"native_symbol"`
	Multicall    string `json:"multicall"`
	Custom       bool   `json:"custom"`
}
