package api

import (
	"encoding/json"
	"net/http/httptest"
)

// decodeBody decodes a recorded JSON response into v.
func decodeBody(w *httptest.ResponseRecorder, v any) error {
	return json.Unmarshal(w.Body.Bytes(), v)
}
