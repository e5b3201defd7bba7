package acme

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// ACME problem document types (RFC 8555, section 6.7).
const (
	errNS                  = "urn:ietf:params:acme:error:"
	serverInternalErr      = errNS + "serverInternal"
	malformedErr           = errNS + "malformed"
	badNonceErr            = errNS + "badNonce"
	badCSRErr              = errNS + "badCSR"
	unauthorizedErr        = errNS + "unauthorized"
	invalidContactErr      = errNS + "invalidContact"
	unsupportedContactErr  = errNS + "unsupportedContact"
	accountDoesNotExistErr = errNS + "accountDoesNotExist"
	orderNotReadyErr       = errNS + "orderNotReady"
	badRevocationReasonErr = errNS + "badRevocationReason"
	alreadyRevokedErr      = errNS + "alreadyRevoked"
)

// Problem is an ACME problem document. It implements error so that handlers
// can return it directly; the server's error handler renders it as
// application/problem+json.
type Problem struct {
	Type       string `json:"type,omitempty"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"status,omitempty"`

	wrapped   error
	wrappedID string
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s :: %s", p.Type, p.Detail)
}

func (p *Problem) Unwrap() error {
	return p.wrapped
}

// ID returns the opaque identifier sent to the client for internal errors,
// so server logs can be correlated with client reports.
func (p *Problem) ID() string {
	return p.wrappedID
}

// InternalErrorProblem hides the wrapped error from the client behind an
// opaque error ID. The wrapped error is only ever logged server-side.
func InternalErrorProblem(wrapped error) *Problem {
	id := uuid.NewString()
	return &Problem{
		Type:       serverInternalErr,
		Detail:     fmt.Sprintf("Internal server error (ID %s)", id),
		HTTPStatus: http.StatusInternalServerError,
		wrapped:    wrapped,
		wrappedID:  id,
	}
}

func MalformedProblem(detail string) *Problem {
	return &Problem{
		Type:       malformedErr,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// MalformedTypeProblem is a malformed request with a more specific error
// type, e.g. accountDoesNotExist or invalidContact.
func MalformedTypeProblem(typ string, detail string) *Problem {
	return &Problem{
		Type:       errNS + typ,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

func NotFoundProblem(detail string) *Problem {
	return &Problem{
		Type:       malformedErr,
		Detail:     detail,
		HTTPStatus: http.StatusNotFound,
	}
}

func MethodNotAllowedProblem() *Problem {
	return &Problem{
		Type:       malformedErr,
		Detail:     "Method not allowed",
		HTTPStatus: http.StatusMethodNotAllowed,
	}
}

func UnsupportedMediaTypeProblem(detail string) *Problem {
	return &Problem{
		Type:       malformedErr,
		Detail:     detail,
		HTTPStatus: http.StatusUnsupportedMediaType,
	}
}

func BadNonceProblem(detail string) *Problem {
	return &Problem{
		Type:       badNonceErr,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

func BadCSRProblem(detail string) *Problem {
	return &Problem{
		Type:       badCSRErr,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

func UnauthorizedProblem(detail string) *Problem {
	return &Problem{
		Type:       unauthorizedErr,
		Detail:     detail,
		HTTPStatus: http.StatusUnauthorized,
	}
}

func InvalidContactProblem(detail string) *Problem {
	return &Problem{
		Type:       invalidContactErr,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

func UnsupportedContactProblem(detail string) *Problem {
	return &Problem{
		Type:       unsupportedContactErr,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

func AccountDoesNotExistProblem(detail string) *Problem {
	return &Problem{
		Type:       accountDoesNotExistErr,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

func OrderNotReadyProblem(detail string) *Problem {
	return &Problem{
		Type:       orderNotReadyErr,
		Detail:     detail,
		HTTPStatus: http.StatusForbidden,
	}
}

func BadRevocationReasonProblem(detail string) *Problem {
	return &Problem{
		Type:       badRevocationReasonErr,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

func AlreadyRevokedProblem(detail string) *Problem {
	return &Problem{
		Type:       alreadyRevokedErr,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}
