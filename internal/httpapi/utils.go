package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"ocpphub/internal/services"

	"github.com/go-chi/chi/v5"
)

func readAll(r *http.Request, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, limit)
	defer body.Close()
	return io.ReadAll(body)
}

// decodeOptional decodes a JSON body into dst. An empty body leaves dst
// untouched.
func decodeOptional(r *http.Request, dst any) error {
	raw, err := readAll(r, 1<<20)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// statusFor maps a business outcome to its HTTP status.
func statusFor(o services.Outcome) int {
	switch o {
	case services.OutcomeSuccess:
		return http.StatusOK
	case services.OutcomeOffline, services.OutcomeNotFound:
		return http.StatusNotFound
	case services.OutcomeBusy, services.OutcomeRejected:
		return http.StatusConflict
	case services.OutcomeDisabled, services.OutcomeInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger().Error(op, "err", err, "path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, "internal error")
}

var errBadParam = errors.New("bad path parameter")

func intParam(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || v < 0 {
		return 0, errBadParam
	}
	return v, nil
}

func limitParam(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
