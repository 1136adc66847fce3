package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies a NylonError for propagation decisions and the status
// code surfaced to the client.
type Kind int

const (
	KindConfig Kind = iota
	KindRouteNotFound
	KindServiceNotFound
	KindUpstream
	KindInternal
	KindAcmeClient
	KindAcmeHTTP
	KindAcmeJWS
	KindAcmeKeyPair
	KindMessaging
	KindProtocol
	KindHTTPException
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindRouteNotFound:
		return "RouteNotFound"
	case KindServiceNotFound:
		return "ServiceNotFound"
	case KindUpstream:
		return "UpstreamError"
	case KindInternal:
		return "InternalServerError"
	case KindAcmeClient:
		return "AcmeClientError"
	case KindAcmeHTTP:
		return "AcmeHttpError"
	case KindAcmeJWS:
		return "AcmeJWSError"
	case KindAcmeKeyPair:
		return "AcmeKeyPairError"
	case KindMessaging:
		return "MessagingError"
	case KindProtocol:
		return "ProtocolError"
	case KindHTTPException:
		return "HttpException"
	}
	return "UnknownError"
}

// NylonError is the single error sum type propagated through the proxy core.
type NylonError struct {
	Kind    Kind
	Message string
	// Status and Code are set only for KindHTTPException.
	Status int
	Code   string
	Err    error
}

func (e *NylonError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *NylonError) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to the status code sent to the client.
func (e *NylonError) HTTPStatus() int {
	switch e.Kind {
	case KindRouteNotFound:
		return http.StatusNotFound
	case KindHTTPException:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusInternalServerError
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes the error as a JSON response body.
func (e *NylonError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	code := e.Code
	if code == "" {
		code = e.Kind.String()
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": e.Message,
	})
}

// New creates a NylonError of the given kind.
func New(kind Kind, message string) *NylonError {
	return &NylonError{Kind: kind, Message: message}
}

// Newf creates a NylonError with a formatted message.
func Newf(kind Kind, format string, args ...any) *NylonError {
	return &NylonError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying error.
func Wrap(kind Kind, message string, err error) *NylonError {
	return &NylonError{Kind: kind, Message: message, Err: err}
}

// Config creates a configuration error.
func Config(format string, args ...any) *NylonError {
	return Newf(KindConfig, format, args...)
}

// RouteNotFound creates a route-miss error.
func RouteNotFound(format string, args ...any) *NylonError {
	return Newf(KindRouteNotFound, format, args...)
}

// ServiceNotFound creates a missing-service error.
func ServiceNotFound(name string) *NylonError {
	return Newf(KindServiceNotFound, "service not found: %s", name)
}

// Internal creates an internal server error.
func Internal(format string, args ...any) *NylonError {
	return Newf(KindInternal, format, args...)
}

// HTTPException creates a plugin-originated synthetic response error.
func HTTPException(status int, code, message string) *NylonError {
	return &NylonError{Kind: KindHTTPException, Status: status, Code: code, Message: message}
}

// Is reports whether err is a NylonError of the given kind.
func Is(err error, kind Kind) bool {
	ne, ok := AsNylon(err)
	return ok && ne.Kind == kind
}

// AsNylon extracts a NylonError from err, unwrapping as needed.
func AsNylon(err error) (*NylonError, bool) {
	for err != nil {
		if ne, ok := err.(*NylonError); ok {
			return ne, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
