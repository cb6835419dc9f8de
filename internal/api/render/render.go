// Package render writes the gateway's JSON responses and the error
// envelope shared by every surface.
package render

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/internal/api/reqid"
	"github.com/cortexgw/cortex/pkg/apierror"
)

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Response encoding failed")
	}
}

// envelope is the client-facing error shape:
//
//	{"error": {"code": 409, "message": "model_not_ready: loading"}, "request_id": "..."}
type envelope struct {
	Error   envelopeBody `json:"error"`
	Request string       `json:"request_id,omitempty"`
}

type envelopeBody struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Error renders err as the error envelope. Internal causes are logged
// with the request id but never leak to the client.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	ae := apierror.From(err)
	requestID := reqid.FromContext(r.Context())

	if ae.Kind == apierror.Internal {
		log.Error().Err(err).Str("request_id", requestID).
			Str("path", r.URL.Path).Msg("Internal error")
	}

	JSON(w, ae.Status(), envelope{
		Error: envelopeBody{
			Code:    ae.Status(),
			Message: ae.Error(),
			Fields:  ae.Fields,
		},
		Request: requestID,
	})
}
