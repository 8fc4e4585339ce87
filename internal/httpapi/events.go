package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"haulledger.org/internal/events"
)

// pushEnvelope is the body Pub/Sub push subscriptions POST. Data arrives
// base64 encoded, which encoding/json decodes into the byte slice.
type pushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// postEvent accepts either a raw transaction event or a push envelope
// wrapping one. Malformed pushed events are acknowledged with 200 so the
// broker stops redelivering them; malformed direct calls get 400.
func (a *API) postEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) == 0 {
		writeError(w, r, http.StatusBadRequest, "request body is required")
		return
	}

	var env pushEnvelope
	pushed := json.Unmarshal(body, &env) == nil && len(env.Message.Data) > 0
	payload := body
	if pushed {
		payload = env.Message.Data
	}

	res, err := a.deps.Dispatcher.HandleRaw(r.Context(), payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case pushed && errors.Is(err, events.ErrMalformed):
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "dropped",
			"messageId": env.Message.MessageID,
			"error":     err.Error(),
		})
	default:
		handleError(w, r, err)
	}
}
