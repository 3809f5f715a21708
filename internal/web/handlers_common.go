package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/identity"
	"github.com/JonMunkholm/loadergate/internal/loader"
	"github.com/JonMunkholm/loadergate/internal/protect"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// parseDateParam parses a YYYY-MM-DD query parameter as UTC midnight.
func parseDateParam(r *http.Request, name string) (time.Time, error) {
	val := r.URL.Query().Get(name)
	if val == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, val)
	if err != nil {
		return time.Time{}, &errs.ValidationError{Field: name, Value: val, Message: "must be a date (YYYY-MM-DD)"}
	}
	return t, nil
}

func parseBoolParam(val string) bool {
	b, _ := strconv.ParseBool(val)
	return b
}

// versionID reads the {id} route parameter.
func versionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &errs.ValidationError{Field: "id", Value: raw, Message: "must be a UUID"}
	}
	return id, nil
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errs.Validation("body", "invalid JSON: %v", err)
	}
	return nil
}

// actor returns the caller attached by the identity middleware. A missing
// actor is passed through as the zero value; the engine refuses it.
func actor(r *http.Request) identity.Actor {
	a, _ := identity.FromContext(r.Context())
	return a
}

// masked returns a copy of c with protected fields replaced by the sentinel.
func masked(c *loader.Configuration) *loader.Configuration {
	if c == nil {
		return nil
	}
	cp := *c
	protect.MaskFields(&cp.Payload)
	return &cp
}

func maskedAll(cs []loader.Configuration) []loader.Configuration {
	out := make([]loader.Configuration, len(cs))
	for i := range cs {
		out[i] = *masked(&cs[i])
	}
	return out
}

func maskedResult(res *loader.Result) *loader.Result {
	return &loader.Result{Version: masked(res.Version), Request: res.Request}
}

func attachment(w http.ResponseWriter, contentType, name string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
}
