package tee

import (
	"bytes"
	"net/http"

	"github.com/always-cache/offline-cache/pkg/captured"
)

// ResponseSaver is an http.ResponseWriter that saves the response in memory.
// It lets an in-process http.Handler act as the origin.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	// only the first call counts, like net/http
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	// later header changes must not leak into the saved response
	t.header = t.header.Clone()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// StatusCode returns the status code of the response.
// It is 200 if the handler never wrote anything.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Response returns the saved response. The body is a copy of the internal buffer.
func (t *ResponseSaver) Response() captured.Response {
	header := t.header.Clone()
	header.Del("Content-Length")
	body := make([]byte, t.b.Len())
	copy(body, t.b.Bytes())
	return captured.Response{
		StatusCode: t.StatusCode(),
		Header:     header,
		Body:       body,
	}
}

// NewResponseSaver returns a new ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}
