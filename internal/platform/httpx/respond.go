// Package httpx provides JSON and RFC 7807 problem responses plus request binding helpers.
package httpx

import (
	"encoding/json"
	"net/http"
)

const problemTypePrefix = "urn:timeledger:problem:"

// ProblemDetail is an RFC 7807 body. Type carries the error kind as a URN.
type ProblemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, "application/json", status, data)
}

// Problem writes a problem document of the given kind.
func Problem(w http.ResponseWriter, status int, kind, detail string) {
	p := ProblemDetail{Title: http.StatusText(status), Status: status, Detail: detail}
	if kind != "" {
		p.Type = problemTypePrefix + kind
	}
	write(w, "application/problem+json", status, p)
}

func write(w http.ResponseWriter, contentType string, status int, data any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
