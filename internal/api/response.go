package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ExpensePipe/internal/models"
)

// fallbackErrorBody is sent when a response envelope cannot be encoded.
var fallbackErrorBody []byte

func init() {
	var err error
	fallbackErrorBody, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("api: cannot encode fallback error body: %v", err))
	}
}

// writeJSONResponse encodes body before touching the headers, so an encoding
// failure still produces a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to encode response", "error", err, "status", statusCode)
		data = fallbackErrorBody
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write response", "error", err)
	}
}

// writeError writes the error envelope with msg.
func writeError(w http.ResponseWriter, statusCode int, msg string) {
	writeJSONResponse(w, statusCode, models.Error(msg))
}

// ackWebhook answers a provider delivery with 200 and the number of messages
// queued. Providers retry anything else, so unusable payloads are acked with 0.
func ackWebhook(w http.ResponseWriter, queued int) {
	writeJSONResponse(w, http.StatusOK, models.Accepted(queued))
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}
