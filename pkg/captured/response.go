package captured

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Response is a fully read origin response.
// The body is an immutable byte buffer: anything that hands a Response to two consumers
// (e.g. the caller and the cache) must give one of them a Clone.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Opaque is set for responses from a different origin than the one being cached for.
	// Opaque responses are passed through but never stored.
	Opaque bool
}

// OK reports whether the response may be stored: status 200 and not opaque.
func (r Response) OK() bool {
	return r.StatusCode == http.StatusOK && !r.Opaque
}

// Clone returns a deep copy of the response.
func (r Response) Clone() Response {
	c := Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Opaque:     r.Opaque,
	}
	if r.Body != nil {
		c.Body = make([]byte, len(r.Body))
		copy(c.Body, r.Body)
	}
	return c
}

// FromHTTP reads and closes the body of res and returns the captured response.
func FromHTTP(res *http.Response) (Response, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, err
	}
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	// the length is implied by the body and rewritten on the way out
	header.Del("Content-Length")
	return Response{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// WriteTo sends the response to the client, adding extra headers (e.g. Cache-Status)
// on top of the stored ones.
func (r Response) WriteTo(w http.ResponseWriter, extra http.Header) error {
	copyHeader(w.Header(), r.Header)
	copyHeader(w.Header(), extra)
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(r.Body)
	return err
}

// Marshal converts the response to its HTTP/1.1 wire representation.
func Marshal(r Response) ([]byte, error) {
	res := &http.Response{
		StatusCode:    r.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		ContentLength: int64(len(r.Body)),
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	if len(r.Body) > 0 {
		res.Body = io.NopCloser(bytes.NewReader(r.Body))
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses bytes produced by Marshal.
func Unmarshal(b []byte) (Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return FromHTTP(res)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
