package api

import "fmt"

// Reply is the outcome of a request that received a correlated response:
// either a decoded value or a failure reported by the peer.
type Reply[T any] struct {
	value   T
	failure *RemoteFailure
}

// Successful wraps a decoded value.
func Successful[T any](v T) Reply[T] {
	return Reply[T]{value: v}
}

// Failed wraps a remote failure.
func Failed[T any](f *RemoteFailure) Reply[T] {
	return Reply[T]{failure: f}
}

// IsSuccess reports whether the peer answered with a success status.
func (r Reply[T]) IsSuccess() bool {
	return r.failure == nil
}

// Failure returns the remote failure, or nil on success.
func (r Reply[T]) Failure() *RemoteFailure {
	return r.failure
}

// Success returns the value, or the remote failure as an error.
func (r Reply[T]) Success() (T, error) {
	if r.failure != nil {
		var zero T
		return zero, r.failure
	}
	return r.value, nil
}

// ParseReply turns a response into a typed reply. Bodies that do not match
// T, or failure bodies that are not an ErrorBody, yield a *DecodeError.
func ParseReply[T any](resp *Response) (Reply[T], error) {
	if !resp.Header.Status.IsOk() {
		f, err := parseFailure(resp)
		if err != nil {
			return Reply[T]{}, err
		}
		return Failed[T](f), nil
	}

	var v T
	if !resp.Header.HasBody {
		return Successful(v), nil
	}
	if err := unmarshalJSON(resp.Body, &v); err != nil {
		return Reply[T]{}, &DecodeError{What: fmt.Sprintf("response body as %T", v), Err: err}
	}
	return Successful(v), nil
}

// parseFailure decodes the error body of a failed response.
func parseFailure(resp *Response) (*RemoteFailure, error) {
	f := &RemoteFailure{Status: resp.Header.Status}
	if !resp.Header.HasBody {
		return f, nil
	}

	var body ErrorBody
	if err := unmarshalJSON(resp.Body, &body); err != nil {
		return nil, &DecodeError{What: "error body", Err: err}
	}
	f.Path = body.Path
	f.Method = body.Method
	f.Message = body.Message
	return f, nil
}
