package tokengate

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of failure categories the gate and the management
// service know how to answer. Store errors are reduced to one of these before
// a response is written.
type Kind int

const (
	// KindInternal covers every failure that has no better classification.
	KindInternal Kind = iota
	// KindTokenNotExists means the token was missing, empty, or unknown to the store.
	KindTokenNotExists
	// KindUsageLimit means the token has no quota left for the requested units.
	KindUsageLimit
	// KindPolicy means the operation violates a policy, e.g. too many tokens for one owner.
	KindPolicy
	// KindAuthentication means the caller tried to touch a token it does not own.
	KindAuthentication
	// KindInternalConfiguration means the host application wired the library wrong,
	// for example an identity provider that returns no owner.
	KindInternalConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTokenNotExists:
		return "TokenNotExists"
	case KindUsageLimit:
		return "UsageLimit"
	case KindPolicy:
		return "Policy"
	case KindAuthentication:
		return "Authentication"
	case KindInternalConfiguration:
		return "InternalConfiguration"
	default:
		return "Internal"
	}
}

// Sentinel errors. Stores return these (optionally wrapped with fmt.Errorf and %w)
// so that Classify can recognise them with errors.Is.
var (
	ErrTokenNotExists = errors.New("Token does not exist")
	ErrUsageLimit     = errors.New("Usage limit exceeded")
	ErrPolicy         = errors.New("Policy violation")
	ErrNotAllowed     = errors.New("Not allowed")

	// ErrNoIdentityProvider is raised when management routes are registered
	// without an identity provider.
	ErrNoIdentityProvider = errors.New("tokengate: an identity provider is required, set one with WithIdentityProvider")
)

// internalMessage is the only text clients ever see for internal failures.
const internalMessage = "Internal Error"

// Error is a classified failure. Message is safe to send to clients, Err is the
// underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	// Status is the HTTP status chosen for this error. It is zero until the
	// owning gate or manager maps the kind through its StatusTable.
	Status int
	Err    error
}

// NewError builds an Error of the given kind with a public message.
//
// Example:
//
//	return nil, tokengate.NewError(tokengate.KindPolicy, "owner reached max tokens", nil)
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUsageLimit) and friends match a typed Error by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTokenNotExists:
		return e.Kind == KindTokenNotExists
	case ErrUsageLimit:
		return e.Kind == KindUsageLimit
	case ErrPolicy:
		return e.Kind == KindPolicy
	case ErrNotAllowed:
		return e.Kind == KindAuthentication
	}
	return false
}

// Classify reduces any error to a *Error. Typed errors keep their kind and message,
// sentinels get their canonical message, and everything else becomes KindInternal.
// Internal kinds never carry the cause text to clients.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		out := *typed
		if out.Kind == KindInternal || out.Kind == KindInternalConfiguration {
			out.Message = internalMessage
		}
		if out.Message == "" {
			out.Message = defaultMessage(out.Kind)
		}
		return &out
	}

	switch {
	case errors.Is(err, ErrTokenNotExists):
		return &Error{Kind: KindTokenNotExists, Message: ErrTokenNotExists.Error(), Err: err}
	case errors.Is(err, ErrUsageLimit):
		return &Error{Kind: KindUsageLimit, Message: ErrUsageLimit.Error(), Err: err}
	case errors.Is(err, ErrPolicy):
		return &Error{Kind: KindPolicy, Message: ErrPolicy.Error(), Err: err}
	case errors.Is(err, ErrNotAllowed):
		return &Error{Kind: KindAuthentication, Message: ErrNotAllowed.Error(), Err: err}
	}
	return &Error{Kind: KindInternal, Message: internalMessage, Err: err}
}

// KindOf is shorthand for Classify(err).Kind. A nil error has no kind and
// reports KindInternal, so callers must check err first.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	return Classify(err).Kind
}

func defaultMessage(k Kind) string {
	switch k {
	case KindTokenNotExists:
		return ErrTokenNotExists.Error()
	case KindUsageLimit:
		return ErrUsageLimit.Error()
	case KindPolicy:
		return ErrPolicy.Error()
	case KindAuthentication:
		return ErrNotAllowed.Error()
	default:
		return internalMessage
	}
}

// StatusTable maps a kind to an HTTP status. Kinds missing from Codes get Fallback.
type StatusTable struct {
	Codes    map[Kind]int
	Fallback int
}

// Status returns the status for k.
func (t StatusTable) Status(k Kind) int {
	if code, ok := t.Codes[k]; ok {
		return code
	}
	if t.Fallback != 0 {
		return t.Fallback
	}
	return http.StatusInternalServerError
}

func (t StatusTable) clone() StatusTable {
	codes := make(map[Kind]int, len(t.Codes))
	for k, v := range t.Codes {
		codes[k] = v
	}
	return StatusTable{Codes: codes, Fallback: t.Fallback}
}

// ConsumeStatusTable is the mapping used by consumption gates. Unknown failures
// are answered with 401 so internal failure modes stay invisible.
func ConsumeStatusTable() StatusTable {
	return StatusTable{
		Codes: map[Kind]int{
			KindTokenNotExists: http.StatusUnauthorized,
			// Too Many Requests (RFC 6585)
			KindUsageLimit: http.StatusTooManyRequests,
		},
		Fallback: http.StatusUnauthorized,
	}
}

// CountStatusTable is the mapping used by counting gates. Counting never
// produces 429.
func CountStatusTable() StatusTable {
	return StatusTable{
		Codes: map[Kind]int{
			KindTokenNotExists: http.StatusUnauthorized,
		},
		Fallback: http.StatusUnauthorized,
	}
}

// ManageStatusTable is the mapping used by the management service.
func ManageStatusTable() StatusTable {
	return StatusTable{
		Codes: map[Kind]int{
			KindTokenNotExists: http.StatusNotFound,
			KindPolicy:         http.StatusForbidden,
			KindAuthentication: http.StatusForbidden,
		},
		Fallback: http.StatusInternalServerError,
	}
}
