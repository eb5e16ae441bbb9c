// Package channel holds the bridge's transport listeners. Each one translates
// its transport into Dispatcher, Adapter or Hub calls.
package channel

import (
	"context"
	"encoding/json"
	"net/http"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
