package dccrules

import (
	"fmt"
	"strings"
)

type ErrorKind int

const (
	KindDecodingFailed ErrorKind = iota + 1
	KindMissingCache
	KindClientError
	KindServerError
	KindSignatureInvalid
	KindMissingETag
	KindNoPassedResult
	KindNoVaccinationCertificate
	KindNoNetwork
)

// Error is a closed, comparable failure. StatusCode is only set for client
// and server errors.
type Error struct {
	Kind       ErrorKind
	StatusCode int
}

var (
	ErrDecodingFailed           = Error{Kind: KindDecodingFailed}
	ErrMissingCache             = Error{Kind: KindMissingCache}
	ErrSignatureInvalid         = Error{Kind: KindSignatureInvalid}
	ErrMissingETag              = Error{Kind: KindMissingETag}
	ErrNoPassedResult           = Error{Kind: KindNoPassedResult}
	ErrNoVaccinationCertificate = Error{Kind: KindNoVaccinationCertificate}
	ErrNoNetwork                = Error{Kind: KindNoNetwork}
)

func ClientError(code int) Error { return Error{Kind: KindClientError, StatusCode: code} }
func ServerError(code int) Error { return Error{Kind: KindServerError, StatusCode: code} }

// Code is the stable identifier clients map to a message.
func (e Error) Code() string {
	switch e.Kind {
	case KindDecodingFailed:
		return "DECODING_FAILED"
	case KindMissingCache:
		return "MISSING_CACHE"
	case KindClientError:
		return fmt.Sprintf("CLIENT_ERROR_%d", e.StatusCode)
	case KindServerError:
		return fmt.Sprintf("SERVER_ERROR_%d", e.StatusCode)
	case KindSignatureInvalid:
		return "SIGNATURE_INVALID"
	case KindMissingETag:
		return "MISSING_ETAG"
	case KindNoPassedResult:
		return "NO_PASSED_RESULT"
	case KindNoVaccinationCertificate:
		return "NO_VACCINATION_CERTIFICATE"
	case KindNoNetwork:
		return "NO_NETWORK"
	default:
		return "UNKNOWN"
	}
}

func (e Error) Error() string {
	return "dcc rules: " + strings.ToLower(strings.ReplaceAll(e.Code(), "_", " "))
}
