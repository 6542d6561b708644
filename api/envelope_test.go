package api

import (
	"encoding/json"
	"math/rand"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createWorker struct {
	Name    string            `json:"name"`
	Aliases []string          `json:"aliases,omitempty"`
	Limit   int               `json:"limit"`
	Labels  map[string]string `json:"labels,omitempty"`
}

func roundTripBody[T any](t *testing.T, v T) T {
	t.Helper()

	req, err := NewRequest(MethodPost, "/node/workers", v)
	require.NoError(t, err)

	data, err := req.Encode()
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req.Header, decoded.Header)

	var out T
	require.NoError(t, decoded.DecodeBody(&out))

	resp, err := NewResponse(decoded, StatusOk, out)
	require.NoError(t, err)
	data, err = resp.Encode()
	require.NoError(t, err)

	decodedResp, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, req.Header.ID, decodedResp.Header.Re)

	reply, err := ParseReply[T](decodedResp)
	require.NoError(t, err)
	got, err := reply.Success()
	require.NoError(t, err)
	return got
}

func TestEnvelopeRoundTrip(t *testing.T) {
	values := []createWorker{
		{},
		{Name: "echo", Limit: 1},
		{Name: "ünïcode ✓", Aliases: []string{"a", "b"}, Limit: -42},
		{Name: "labels", Labels: map[string]string{"k": "v", "": "empty"}},
	}
	for _, v := range values {
		assert.Equal(t, v, roundTripBody(t, v))
	}

	assert.Equal(t, "plain", roundTripBody(t, "plain"))
	assert.Equal(t, []uint64{0, 1, 1 << 53}, roundTripBody(t, []uint64{0, 1, 1 << 53}))
	assert.Equal(t, true, roundTripBody(t, true))
}

func TestRequestWithoutBody(t *testing.T) {
	req := Post("/node/noop")
	data, err := req.Encode()
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.False(t, decoded.Header.HasBody)
	assert.Nil(t, decoded.Body)
	assert.Equal(t, MethodPost, decoded.Header.Method)
	assert.Equal(t, "/node/noop", decoded.Header.Path)

	var v struct{}
	err = decoded.DecodeBody(&v)
	assert.True(t, IsDecodeError(err))
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	good, err := Get("/node").Encode()
	require.NoError(t, err)

	wrongVersion := append([]byte{}, good...)
	wrongVersion[0] = Version + 1

	tooLong := append([]byte{}, good...)
	tooLong[4] = 0xff

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "short", data: []byte{Version, 0, 0}},
		{name: "version", data: wrongVersion},
		{name: "header length", data: tooLong},
		{name: "header json", data: []byte{Version, 0, 0, 0, 2, '{', 'x'}},
		{name: "missing id", data: []byte{Version, 0, 0, 0, 2, '{', '}'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest(tt.data)
			require.Error(t, err)
			assert.True(t, IsDecodeError(err), "got %v", err)
		})
	}

	_, err = DecodeRequest(wrongVersion)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParseReplyFailure(t *testing.T) {
	req := Delete("/node/workers/missing")
	resp := NewErrorResponse(req, StatusNotFound, "no such worker")

	reply, err := ParseReply[struct{}](resp)
	require.NoError(t, err)
	assert.False(t, reply.IsSuccess())

	_, err = reply.Success()
	require.Error(t, err)

	var failure *RemoteFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StatusNotFound, failure.Status)
	assert.Equal(t, MethodDelete, failure.Method)
	assert.Equal(t, "/node/workers/missing", failure.Path)
	assert.Equal(t, "no such worker", failure.Message)
	assert.Contains(t, failure.Error(), "404 Not Found")
}

func TestParseReplyDecodeErrors(t *testing.T) {
	req := Get("/node")

	resp, err := NewResponse(req, StatusOk, "not a number")
	require.NoError(t, err)
	_, err = ParseReply[int](resp)
	assert.True(t, IsDecodeError(err))
	assert.False(t, IsRemoteFailure(err))

	bad := &Response{
		Header: ResponseHeader{Re: req.Header.ID, Status: StatusBadRequest, HasBody: true},
		Body:   json.RawMessage(`[1,2]`),
	}
	_, err = ParseReply[int](bad)
	assert.True(t, IsDecodeError(err))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "200 OK", StatusOk.String())
	assert.Equal(t, "405 Method Not Allowed", StatusMethodNotAllowed.String())
	assert.Equal(t, "499", Status(499).String())
	assert.True(t, MethodPatch.Valid())
	assert.False(t, Method("TRACE").Valid())
}

// randomString mixes ASCII, characters JSON escapes, and runes from every
// UTF-8 length class.
func randomString(rnd *rand.Rand) string {
	special := []rune{'"', '\\', '<', '>', '&', '\n', 0, 0x7f, 0x2028, 0x2029, utf8.RuneError}
	n := rnd.Intn(12)
	runes := make([]rune, 0, n)
	for i := 0; i < n; i++ {
		var r rune
		switch rnd.Intn(6) {
		case 0:
			r = rune(0x20 + rnd.Intn(0x5f))
		case 1:
			r = rune(rnd.Intn(0x20))
		case 2:
			r = special[rnd.Intn(len(special))]
		case 3:
			r = rune(0x80 + rnd.Intn(0x780))
		case 4:
			r = rune(0x800 + rnd.Intn(0xd800-0x800))
		default:
			r = rune(0x10000 + rnd.Intn(0x100000))
		}
		runes = append(runes, r)
	}
	return string(runes)
}

// randomBytes may or may not be valid UTF-8.
func randomBytes(rnd *rand.Rand) string {
	b := make([]byte, rnd.Intn(8))
	rnd.Read(b)
	return string(b)
}

func randomWorker(rnd *rand.Rand) createWorker {
	w := createWorker{
		Name:  randomString(rnd),
		Limit: int(rnd.Int63()) - int(rnd.Int63()),
	}
	for i := rnd.Intn(4); i > 0; i-- {
		w.Aliases = append(w.Aliases, randomString(rnd))
	}
	if n := rnd.Intn(4); n > 0 {
		w.Labels = make(map[string]string, n)
		for i := 0; i < n; i++ {
			w.Labels[randomString(rnd)] = randomString(rnd)
		}
	}
	return w
}

func TestEnvelopeBodyRoundTripGenerated(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		w := randomWorker(rnd)
		require.Equal(t, w, roundTripBody(t, w), "iteration %d", i)

		raw := []byte(randomBytes(rnd))
		if len(raw) == 0 {
			raw = nil
		}
		require.Equal(t, raw, roundTripBody(t, raw), "iteration %d", i)
	}
}

func TestEnvelopeBodyArbitraryStrings(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	for i := 0; i < 500; i++ {
		s := randomBytes(rnd)
		_, err := NewRequest(MethodPost, "/echo", s)
		if utf8.ValidString(s) {
			require.NoError(t, err, "%q", s)
			assert.Equal(t, s, roundTripBody(t, s))
		} else {
			require.ErrorIs(t, err, ErrInvalidUTF8, "%q", s)
		}
	}
}

func TestEnvelopeHeaderRoundTripGenerated(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		req := &Request{Header: RequestHeader{
			ID:     randomString(rnd) + "id",
			Method: Method(randomString(rnd)),
			Path:   randomString(rnd),
		}}
		data, err := req.Encode()
		require.NoError(t, err)
		decoded, err := DecodeRequest(data)
		require.NoError(t, err)
		require.Equal(t, req.Header, decoded.Header, "iteration %d", i)

		resp := &Response{Header: ResponseHeader{
			ID:     randomString(rnd),
			Re:     randomString(rnd),
			Status: Status(rnd.Intn(1 << 16)),
		}}
		data, err = resp.Encode()
		require.NoError(t, err)
		decodedResp, err := DecodeResponse(data)
		require.NoError(t, err)
		require.Equal(t, resp.Header, decodedResp.Header, "iteration %d", i)
	}
}

func TestEnvelopeRejectsInvalidUTF8(t *testing.T) {
	_, err := NewRequest(MethodPost, "/echo", "a\xffb")
	require.ErrorIs(t, err, ErrInvalidUTF8)

	_, err = NewRequest(MethodPost, "/echo", createWorker{Name: "ok", Aliases: []string{"\xc3"}})
	require.ErrorIs(t, err, ErrInvalidUTF8)

	_, err = NewRequest(MethodPost, "/echo", map[string]int{"\xfe": 1})
	require.ErrorIs(t, err, ErrInvalidUTF8)

	_, err = NewResponse(Get("/echo"), StatusOk, &createWorker{Labels: map[string]string{"k": "\xff"}})
	require.ErrorIs(t, err, ErrInvalidUTF8)

	_, err = (&Request{Header: RequestHeader{ID: "1", Method: MethodGet, Path: "/\xff"}}).Encode()
	require.ErrorIs(t, err, ErrInvalidUTF8)

	// Bytes are carried as base64 and survive unchanged.
	assert.Equal(t, []byte{0xff, 0}, roundTripBody(t, []byte{0xff, 0}))

	// A peer sending raw invalid bytes gets a decode error, not a repaired string.
	resp := &Response{
		Header: ResponseHeader{Re: "1", Status: StatusOk, HasBody: true},
		Body:   []byte("\"a\xffb\""),
	}
	_, err = ParseReply[string](resp)
	assert.True(t, IsDecodeError(err))
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	failure := NewErrorResponse(Get("/echo"), StatusBadRequest, "bad \xff input")
	reply, err := ParseReply[string](failure)
	require.NoError(t, err)
	assert.Equal(t, "bad \uFFFD input", reply.Failure().Message)
}
