package httpkit

import (
	"encoding/json"
	"net/http"

	"reel/internal/pkg/errors"
)

// DecodeJSON reads at most maxBytes of r's body into v. Unknown fields are
// rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.Validationf("request body exceeds %d bytes", maxBytes)
		}
		return errors.Validation("invalid json body").WithField("reason", err.Error())
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
