package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Request body ceilings by route class. File writes carry content inline
// and get the large tier; everything else is form-sized JSON.
const (
	maxBodyBytesTiny  int64 = 64 << 10
	maxBodyBytesSmall int64 = 1 << 20
	maxBodyBytesFile  int64 = 8 << 20
)

// decodeJSONBody unmarshals a capped request body into dst. The int is the
// HTTP status to respond with when err is non-nil: 400 for malformed JSON,
// 413 past the cap. allowEOF treats an absent or empty body as dst's zero
// value, for endpoints whose fields are all optional.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64, allowEOF bool) (int, error) {
	if r == nil || r.Body == nil {
		if allowEOF {
			return 0, nil
		}
		return http.StatusBadRequest, fmt.Errorf("request body required")
	}

	body := r.Body
	if maxBytes > 0 {
		body = http.MaxBytesReader(w, body, maxBytes)
		r.Body = body
	}

	err := json.NewDecoder(body).Decode(dst)
	switch {
	case err == nil:
		return 0, nil
	case allowEOF && errors.Is(err, io.EOF):
		return 0, nil
	case isBodyTooLarge(err):
		return http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", maxBytes)
	default:
		return http.StatusBadRequest, err
	}
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
