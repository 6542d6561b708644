// Package api implements the request/reply protocol spoken between
// workers: the versioned wire envelope, typed replies and the Client.
package api

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Version is the envelope version written by this package.
const Version byte = 1

// envelopePrefix is the version byte plus the header length.
const envelopePrefix = 1 + 4

// Method is a request method.
type Method string

// Request methods
const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
	MethodPatch  Method = "PATCH"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch:
		return true
	}
	return false
}

// Status is a response status code.
type Status uint16

// Response statuses
const (
	StatusOk                  Status = 200
	StatusBadRequest          Status = 400
	StatusUnauthorized        Status = 401
	StatusForbidden           Status = 403
	StatusNotFound            Status = 404
	StatusMethodNotAllowed    Status = 405
	StatusTimeout             Status = 408
	StatusConflict            Status = 409
	StatusInternalServerError Status = 500
	StatusNotImplemented      Status = 501
)

// String returns the status code with its reason phrase.
func (s Status) String() string {
	if text := http.StatusText(int(s)); text != "" {
		return fmt.Sprintf("%d %s", uint16(s), text)
	}
	return fmt.Sprintf("%d", uint16(s))
}

// IsOk reports whether s is a success status.
func (s Status) IsOk() bool {
	return s == StatusOk
}

// RequestHeader identifies a request and correlates its reply.
type RequestHeader struct {
	ID      string `json:"id"`
	Method  Method `json:"method"`
	Path    string `json:"path"`
	HasBody bool   `json:"has_body"`
}

// ResponseHeader answers the request whose ID equals Re.
type ResponseHeader struct {
	ID      string `json:"id"`
	Re      string `json:"re"`
	Status  Status `json:"status"`
	HasBody bool   `json:"has_body"`
}

// ErrorBody is the payload of a failed response.
type ErrorBody struct {
	Path    string `json:"path"`
	Method  Method `json:"method"`
	Message string `json:"message"`
}

// Request is a decoded request envelope.
type Request struct {
	Header RequestHeader
	Body   []byte
}

// NewRequest builds a request with a fresh id. A nil body produces a
// request without one.
func NewRequest(method Method, path string, body any) (*Request, error) {
	req := &Request{
		Header: RequestHeader{
			ID:     uuid.NewString(),
			Method: method,
			Path:   path,
		},
	}
	if body != nil {
		data, err := marshalJSON(body)
		if err != nil {
			return nil, fmt.Errorf("api: encode request body: %w", err)
		}
		req.Header.HasBody = true
		req.Body = data
	}
	return req, nil
}

// Get builds a bodiless GET request.
func Get(path string) *Request {
	req, _ := NewRequest(MethodGet, path, nil)
	return req
}

// Post builds a bodiless POST request.
func Post(path string) *Request {
	req, _ := NewRequest(MethodPost, path, nil)
	return req
}

// Delete builds a bodiless DELETE request.
func Delete(path string) *Request {
	req, _ := NewRequest(MethodDelete, path, nil)
	return req
}

// DecodeBody unmarshals the request body into v.
func (r *Request) DecodeBody(v any) error {
	if !r.Header.HasBody {
		return &DecodeError{What: "request body", Err: fmt.Errorf("request %s %s has no body", r.Header.Method, r.Header.Path)}
	}
	if err := unmarshalJSON(r.Body, v); err != nil {
		return &DecodeError{What: "request body", Err: err}
	}
	return nil
}

// Encode serializes the request envelope.
func (r *Request) Encode() ([]byte, error) {
	return encodeFrame(r.Header, r.Body, r.Header.HasBody)
}

// DecodeRequest parses a request envelope.
func DecodeRequest(data []byte) (*Request, error) {
	req := &Request{}
	body, err := decodeFrame(data, "request header", &req.Header)
	if err != nil {
		return nil, err
	}
	if req.Header.ID == "" {
		return nil, &DecodeError{What: "request header", Err: fmt.Errorf("missing id")}
	}
	if req.Header.HasBody {
		req.Body = body
	}
	return req, nil
}

// Response is a decoded response envelope.
type Response struct {
	Header ResponseHeader
	Body   []byte
}

// NewResponse answers req with status and an optional JSON body.
func NewResponse(req *Request, status Status, body any) (*Response, error) {
	resp := &Response{
		Header: ResponseHeader{
			ID:     uuid.NewString(),
			Re:     req.Header.ID,
			Status: status,
		},
	}
	if body != nil {
		data, err := marshalJSON(body)
		if err != nil {
			return nil, fmt.Errorf("api: encode response body: %w", err)
		}
		resp.Header.HasBody = true
		resp.Body = data
	}
	return resp, nil
}

// NewErrorResponse answers req with a failure status and message. Invalid
// UTF-8 in the message or path is replaced, as these are only reported.
func NewErrorResponse(req *Request, status Status, message string) *Response {
	data, _ := json.Marshal(ErrorBody{
		Path:    strings.ToValidUTF8(req.Header.Path, "\uFFFD"),
		Method:  Method(strings.ToValidUTF8(string(req.Header.Method), "\uFFFD")),
		Message: strings.ToValidUTF8(message, "\uFFFD"),
	})
	return &Response{
		Header: ResponseHeader{
			ID:      uuid.NewString(),
			Re:      req.Header.ID,
			Status:  status,
			HasBody: true,
		},
		Body: data,
	}
}

// Encode serializes the response envelope.
func (r *Response) Encode() ([]byte, error) {
	return encodeFrame(r.Header, r.Body, r.Header.HasBody)
}

// DecodeResponse parses a response envelope.
func DecodeResponse(data []byte) (*Response, error) {
	resp := &Response{}
	body, err := decodeFrame(data, "response header", &resp.Header)
	if err != nil {
		return nil, err
	}
	if resp.Header.HasBody {
		resp.Body = body
	}
	return resp, nil
}

// encodeFrame writes version | header length | header | body.
func encodeFrame(header any, body []byte, hasBody bool) ([]byte, error) {
	hdr, err := marshalJSON(header)
	if err != nil {
		return nil, fmt.Errorf("api: encode header: %w", err)
	}

	size := envelopePrefix + len(hdr)
	if hasBody {
		size += len(body)
	}

	buf := make([]byte, envelopePrefix, size)
	buf[0] = Version
	binary.BigEndian.PutUint32(buf[1:envelopePrefix], uint32(len(hdr)))
	buf = append(buf, hdr...)
	if hasBody {
		buf = append(buf, body...)
	}
	return buf, nil
}

// decodeFrame parses the header into v and returns the remaining body.
func decodeFrame(data []byte, what string, v any) ([]byte, error) {
	if len(data) < envelopePrefix {
		return nil, &DecodeError{What: what, Err: ErrMalformedFrame}
	}
	if data[0] != Version {
		return nil, &DecodeError{What: what, Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])}
	}

	hdrLen := binary.BigEndian.Uint32(data[1:envelopePrefix])
	if uint64(hdrLen) > uint64(len(data)-envelopePrefix) {
		return nil, &DecodeError{What: what, Err: ErrMalformedFrame}
	}

	end := envelopePrefix + int(hdrLen)
	if err := unmarshalJSON(data[envelopePrefix:end], v); err != nil {
		return nil, &DecodeError{What: what, Err: err}
	}

	body := make([]byte, len(data)-end)
	copy(body, data[end:])
	return body, nil
}
