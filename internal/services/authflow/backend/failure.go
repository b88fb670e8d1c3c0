package backend

import "fmt"

// Code identifies a backend failure.
type Code string

const (
	CodeInvalidCredential                    Code = "invalid-credential"
	CodeWrongPassword                        Code = "wrong-password"
	CodeInvalidEmail                         Code = "invalid-email"
	CodeInvalidVerificationCode              Code = "invalid-verification-code"
	CodeUserNotFound                         Code = "user-not-found"
	CodeUserDisabled                         Code = "user-disabled"
	CodeWeakPassword                         Code = "weak-password"
	CodeEmailAlreadyInUse                    Code = "email-already-in-use"
	CodeCredentialAlreadyInUse               Code = "credential-already-in-use"
	CodeAccountExistsWithDifferentCredential Code = "account-exists-with-different-credential"
	CodeMultiFactorAuthRequired              Code = "multi-factor-auth-required"
	CodeTooManyRequests                      Code = "too-many-requests"
	CodeRequiresRecentLogin                  Code = "requires-recent-login"
	CodeNetworkRequestFailed                 Code = "network-request-failed"
	CodeInvalidActionCode                    Code = "invalid-action-code"
	CodeExpiredActionCode                    Code = "expired-action-code"
	CodeOperationNotAllowed                  Code = "operation-not-allowed"
	CodeInternal                             Code = "internal-error"
)

// Failure is a typed backend error.
type Failure struct {
	Code    Code
	Message string
	// Email is set on account-collision failures.
	Email string
	// Reason explains weak-password failures.
	Reason string
	// Credential is the credential that collided, for re-use after the user
	// signs in to the existing account.
	Credential *Credential
	// Challenge is set on multi-factor-auth-required failures.
	Challenge *MultiFactorChallenge
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Is matches failures by code.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Code == f.Code
}

// Fail builds a failure with code and message.
func Fail(code Code, message string) *Failure {
	return &Failure{Code: code, Message: message}
}
