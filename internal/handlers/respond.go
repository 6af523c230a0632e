package handlers

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
)

const maxBodyBytes = 1 << 20

// resultResponse is the body every browser facing endpoint answers with
type resultResponse struct {
	Result string `json:"result"`
}

func writeResult(w http.ResponseWriter, status int, result string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resultResponse{Result: result}); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}

// decodeBody reads a JSON request body into dst
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}
