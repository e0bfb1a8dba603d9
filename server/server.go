// Package server contains shared HTTP plumbing: the route table type, the
// JSON envelope exchanged with clients, and small helpers used by every
// HTTP-facing package.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"

	"goji.io"
	"goji.io/pat"
)

// RouteTable maps goji patterns to their handlers.
type RouteTable map[goji.Pattern]http.HandlerFunc

// Endpoints lists the URL strings in the table.
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		if p, ok := k.(*pat.Pattern); ok {
			routes = append(routes, p.String())
		}
	}
	return routes
}

// Bind attaches every route in the table to the mux, plus an endpoints
// route that lists them.
func (rt RouteTable) Bind(mux *goji.Mux) {
	for ptrn, handler := range rt {
		mux.HandleFunc(ptrn, handler)
	}
	mux.HandleFunc(pat.Get("/endpoints"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.Endpoints()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// HTTPer is an object exposing a route table.
type HTTPer interface {
	RT() RouteTable
}

// HumanPayload is the JSON envelope for scalar responses.  T selects which
// field is live.
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Int    int
	Float  float64
	String string
}

// EncodeAndRespond writes the live field as {"<type>": value} JSON.
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var obj interface{}
	switch hp.T {
	case types.Bool:
		obj = BoolT{Bool: hp.Bool}
	case types.Int:
		obj = IntT{Int: hp.Int}
	case types.Float64:
		obj = FloatT{F64: hp.Float}
	case types.String:
		obj = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("unencodable payload kind %v", hp.T), http.StatusInternalServerError)
		return
	}
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// FloatT is the envelope of a single float.
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is the envelope of a single int.
type IntT struct {
	Int int `json:"int"`
}

// StrT is the envelope of a single string.
type StrT struct {
	Str string `json:"str"`
}

// BoolT is the envelope of a single bool.
type BoolT struct {
	Bool bool `json:"bool"`
}
