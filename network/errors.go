package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"

	"github.com/gorilla/websocket"
)

// ErrConnection matches every *TransportError with errors.Is.
var ErrConnection = errors.New("network: connection error")

// Transport errors
var (
	ErrTransportClosed = errors.New("network: transport is closed")
	ErrSendQueueFull   = errors.New("network: send queue is full")
	ErrUnknownKind     = errors.New("network: unknown transport kind")
)

// Kind classifies a transport failure.
type Kind uint8

const (
	// KindClosed means the peer or the local side closed the connection
	KindClosed Kind = iota + 1

	// KindIO is any other read, write or dial failure
	KindIO

	// KindCapacity means a size or queue limit was exceeded
	KindCapacity

	// KindInvalidAddress means the endpoint could not be parsed or resolved
	KindInvalidAddress

	// KindProtocol means the peer sent bytes that are not a valid frame
	KindProtocol

	// KindEncoding means a message could not be framed
	KindEncoding

	// KindHTTP means the WebSocket handshake failed
	KindHTTP

	// KindTLS means a TLS or certificate failure
	KindTLS
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindClosed:
		return "closed"
	case KindIO:
		return "io"
	case KindCapacity:
		return "capacity"
	case KindInvalidAddress:
		return "invalid_address"
	case KindProtocol:
		return "protocol"
	case KindEncoding:
		return "encoding"
	case KindHTTP:
		return "http"
	case KindTLS:
		return "tls"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// TransportError is a classified transport failure.
type TransportError struct {
	Kind     Kind
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("network: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("network: %s %s: %s: %v", e.Op, e.Endpoint, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes every transport error match ErrConnection.
func (e *TransportError) Is(target error) bool {
	return target == ErrConnection
}

// KindOf returns the kind of the first *TransportError in err's chain, or
// zero when there is none.
func KindOf(err error) Kind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// classifyNetError maps a socket level failure to a TransportError.
func classifyNetError(op, endpoint string, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Kind: netErrorKind(err), Op: op, Endpoint: endpoint, Err: err}
}

func netErrorKind(err error) Kind {
	var (
		addrErr    *net.AddrError
		dnsErr     *net.DNSError
		parseErr   *net.ParseError
		recordErr  tls.RecordHeaderError
		certErr    *tls.CertificateVerificationError
		unknownErr x509.UnknownAuthorityError
		hostErr    x509.HostnameError
	)

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, ErrTransportClosed):
		return KindClosed
	case errors.As(err, &addrErr), errors.As(err, &dnsErr), errors.As(err, &parseErr):
		return KindInvalidAddress
	case errors.As(err, &recordErr), errors.As(err, &certErr),
		errors.As(err, &unknownErr), errors.As(err, &hostErr):
		return KindTLS
	case errors.Is(err, ErrSendQueueFull):
		return KindCapacity
	default:
		return KindIO
	}
}

// classifyWSError maps a gorilla/websocket failure to a TransportError.
func classifyWSError(op, endpoint string, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	var (
		closeErr     *websocket.CloseError
		handshakeErr websocket.HandshakeError
		urlErr       *url.Error
	)

	var kind Kind
	switch {
	case errors.As(err, &closeErr), errors.Is(err, websocket.ErrCloseSent):
		kind = KindClosed
	case errors.Is(err, websocket.ErrBadHandshake), errors.As(err, &handshakeErr):
		kind = KindHTTP
	case errors.Is(err, websocket.ErrReadLimit):
		kind = KindCapacity
	case errors.As(err, &urlErr) && urlErr.Op == "parse":
		kind = KindInvalidAddress
	default:
		kind = netErrorKind(err)
	}
	return &TransportError{Kind: kind, Op: op, Endpoint: endpoint, Err: err}
}
