package apiserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kbats183/shmstream/pkg/registry"
	"github.com/pkg/errors"
)

var errBadSlot = errors.New(http.StatusText(http.StatusBadRequest))

type KickResult struct {
	Stream string `json:"stream"`
	Kicked int    `json:"kicked"`
}

// ErrorResponse represents json error structure
type ErrorResponse struct {
	Error string `json:"error"`
}

func JSONError(w http.ResponseWriter, error string, code int) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{error}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		handleErrors(w, err)
	}
}

func slotParam(r *http.Request) (int, error) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil || slot < 0 {
		return 0, errBadSlot
	}
	return slot, nil
}

func handleErrors(w http.ResponseWriter, err error) {
	const logFormat = "fatal: %+v"
	if errors.Is(err, errBadSlot) {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch err.(type) {
	case registry.StreamNotFound, registry.ViewerNotFound:
		JSONError(w, err.Error(), http.StatusNotFound)
	default:
		log.Errorf(logFormat, err)
		JSONError(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// streamParam returns the stream name of the request. Names containing a
// slash travel escaped as %2F.
func streamParam(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if name, err := url.PathUnescape(id); err == nil {
		return name
	}
	return id
}
