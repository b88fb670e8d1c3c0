package autherr

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"golang.org/x/text/cases"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// signal is everything the rules may inspect about a raw failure.
type signal struct {
	code     backend.Code
	failure  *backend.Failure
	rpc      codes.Code
	hasRPC   bool
	network  bool
	message  string
	original error
}

type rule struct {
	kind  Kind
	match func(signal) bool
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{InvalidCredentials, func(s signal) bool {
		switch s.code {
		case backend.CodeInvalidCredential, backend.CodeWrongPassword,
			backend.CodeInvalidEmail, backend.CodeInvalidVerificationCode:
			return true
		}
		return s.rpcIs(codes.Unauthenticated) || s.messageHas("invalid credential", "invalid_credential", "wrong password")
	}},
	{UserNotFound, func(s signal) bool {
		return s.code == backend.CodeUserNotFound || s.rpcIs(codes.NotFound) || s.messageHas("user not found", "user_not_found")
	}},
	{InvalidCredentials, func(s signal) bool {
		return s.code == backend.CodeUserDisabled || s.rpcIs(codes.PermissionDenied) || s.messageHas("user disabled", "user_disabled")
	}},
	{WeakPassword, func(s signal) bool {
		return s.code == backend.CodeWeakPassword || s.messageHas("weak password", "weak_password")
	}},
	{EmailAlreadyInUse, func(s signal) bool {
		return s.code == backend.CodeEmailAlreadyInUse || s.rpcIs(codes.AlreadyExists) || s.messageHas("email already in use", "email_exists")
	}},
	{AccountLinkingRequired, func(s signal) bool {
		return s.code == backend.CodeCredentialAlreadyInUse ||
			s.code == backend.CodeAccountExistsWithDifferentCredential ||
			s.messageHas("credential already in use", "different credential")
	}},
	{MfaRequired, func(s signal) bool {
		return s.code == backend.CodeMultiFactorAuthRequired || s.messageHas("multi-factor", "mfa required")
	}},
	{TooManyRequests, func(s signal) bool {
		return s.code == backend.CodeTooManyRequests || s.rpcIs(codes.ResourceExhausted) ||
			s.messageHas("too many requests", "too_many_attempts", "rate limit")
	}},
	{InvalidCredentials, func(s signal) bool {
		return s.code == backend.CodeRequiresRecentLogin || s.messageHas("recent login", "requires-recent-login")
	}},
	{NetworkException, func(s signal) bool {
		return s.code == backend.CodeNetworkRequestFailed || s.network ||
			s.rpcIs(codes.Unavailable) || s.rpcIs(codes.DeadlineExceeded) ||
			s.messageHas("network")
	}},
	{AuthCancelled, func(s signal) bool {
		return s.rpcIs(codes.Canceled) || s.messageHas("cancel")
	}},
}

func (s signal) rpcIs(code codes.Code) bool {
	return s.hasRPC && s.rpc == code
}

func (s signal) messageHas(needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s.message, needle) {
			return true
		}
	}
	return false
}

// Classify maps any failure to exactly one AuthError. Already classified
// errors are returned unchanged; nil classifies as UnknownException.
func Classify(err error) *AuthError {
	if err == nil {
		return New(UnknownException, "unknown error")
	}
	if classified, ok := As(err); ok {
		return classified
	}

	s := inspect(err)
	kind := UnknownException
	for _, r := range rules {
		if r.match(s) {
			kind = r.kind
			break
		}
	}

	classified := Wrap(kind, messageOf(err), err)
	if s.failure != nil {
		classified.Email = s.failure.Email
		classified.Reason = s.failure.Reason
	}
	if kind == WeakPassword && classified.Reason == "" {
		classified.Reason = classified.Message
	}
	return classified
}

func inspect(err error) signal {
	s := signal{
		original: err,
		message:  cases.Fold().String(err.Error()),
	}
	var failure *backend.Failure
	if errors.As(err, &failure) {
		s.failure = failure
		s.code = failure.Code
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		s.rpc = st.Code()
		s.hasRPC = true
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		s.network = true
	}
	return s
}

func messageOf(err error) string {
	var failure *backend.Failure
	if errors.As(err, &failure) && failure.Message != "" {
		return failure.Message
	}
	if st, ok := status.FromError(err); ok && st.Message() != "" {
		return st.Message()
	}
	return err.Error()
}
