package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stevedore/stevedore/internal/quota"
	"github.com/stevedore/stevedore/internal/scan"
)

// maxRequestBody caps JSON request bodies. Content uploads stream
// separately and are not subject to this limit.
const maxRequestBody = 1 << 20

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// searchRequest is the wire form of a search call. The prefix travels
// base64-encoded so arbitrary key bytes survive JSON intact.
type searchRequest struct {
	LocationID string `json:"locationId"`
	Prefix     string `json:"prefix,omitempty"`
	Query      string `json:"query,omitempty"`
	Mode       string `json:"mode,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
}

// params validates the request and converts it into scan parameters.
func (req *searchRequest) params() (scan.Params, error) {
	if req.LocationID == "" {
		return scan.Params{}, fmt.Errorf("locationId is required")
	}
	switch req.Mode {
	case "", scan.ModePrefix:
		req.Mode = scan.ModePrefix
	case scan.ModeContains:
		if req.Query == "" {
			return scan.Params{}, fmt.Errorf("query is required for contains mode")
		}
	default:
		return scan.Params{}, fmt.Errorf("mode must be %q or %q", scan.ModePrefix, scan.ModeContains)
	}
	if req.MaxResults < 0 {
		return scan.Params{}, fmt.Errorf("maxResults must not be negative")
	}
	prefix, err := base64.StdEncoding.DecodeString(req.Prefix)
	if err != nil {
		return scan.Params{}, fmt.Errorf("prefix must be base64: %v", err)
	}
	return scan.Params{
		Prefix:     string(prefix),
		Query:      req.Query,
		Mode:       req.Mode,
		MaxResults: req.MaxResults,
		Cursor:     req.Cursor,
	}, nil
}

// locationStatus is one entry of the locations listing.
type locationStatus struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	Available bool        `json:"available"`
	Usage     quota.Usage `json:"usage"`
}

// resolveResponse is the path-operation contract: the validated absolute
// path for a (location, relative path) pair.
type resolveResponse struct {
	LocationID   string `json:"locationId"`
	AbsolutePath string `json:"absolutePath"`
	RelativePath string `json:"relativePath"`
}

// uploadResponse reports a stored object.
type uploadResponse struct {
	LocationID string `json:"locationId"`
	Path       string `json:"path"`
	Bytes      int64  `json:"bytes"`
	Replaced   bool   `json:"replaced"`
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}
