package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/resource"
)

// Query schema decoder: caches structs, and safe for sharing.
var decoder *schema.Decoder

func init() {
	decoder = schema.NewDecoder()
	// Don't error if there are keys in the source map that are not present in
	// the destination struct.
	decoder.IgnoreUnknownKeys(true)
}

// DecodeJSON decodes an HTTP request's JSON body into dst.
func DecodeJSON(dst any, r *http.Request) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return internal.InvalidParameterError("malformed json body: " + err.Error())
	}
	return nil
}

// DecodeQuery unmarshals a query string (k1=v1&k2=v2...) into dst.
func DecodeQuery(dst any, query url.Values) error {
	if err := decoder.Decode(dst, query); err != nil {
		return internal.InvalidParameterError("unable to decode query: " + err.Error())
	}
	return nil
}

// Param retrieves a request path variable by name.
func Param(name string, r *http.Request) (string, error) {
	v, ok := mux.Vars(r)[name]
	if !ok || v == "" {
		return "", &internal.ErrMissingParameter{Parameter: name}
	}
	return v, nil
}

// ID retrieves a path variable by name and parses it into a resource ID.
func ID(name string, r *http.Request) (resource.ID, error) {
	s, err := Param(name, r)
	if err != nil {
		return resource.ID{}, err
	}
	id, err := resource.ParseID(s)
	if err != nil {
		return resource.ID{}, internal.InvalidParameterError(err.Error())
	}
	return id, nil
}
