package mcp

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

const headerAPIKey = "X-API-Key"

// AuthMiddleware admits requests carrying apiKey as "Authorization: Bearer
// <key>" or in X-API-Key. Rejections are JSON-RPC error bodies so MCP clients
// can surface them. An empty apiKey admits everything.
func AuthMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := sha256.Sum256([]byte(apiKey))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := credential(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="prdforge-mcp"`)
			rpcError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		got := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			rpcError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func credential(r *http.Request) (string, bool) {
	if k := r.Header.Get(headerAPIKey); k != "" {
		return k, true
	}
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// rpcError writes a JSON-RPC 2.0 error with a null id.
func rpcError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error":   map[string]any{"code": -32001, "message": msg},
	})
}
