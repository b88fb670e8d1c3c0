// Package memory provides an in-process identity backend.
//
// It backs local development and tests: users, passwords, phone
// verifications and sign-in links live in memory, and outgoing messages are
// kept in an outbox instead of being delivered.
package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/louisbranch/authflow/internal/platform/id"
	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"github.com/louisbranch/authflow/internal/services/authflow/provider"
	"github.com/louisbranch/authflow/internal/services/authflow/user"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultLinkBaseURL       = "https://auth.localhost/__/auth/action"
	defaultLinkTTL           = 15 * time.Minute
	defaultMaxFailedAttempts = 5
	minPasswordLength        = 6
)

// MessageKind identifies an outgoing message.
type MessageKind string

const (
	MessageSignInLink MessageKind = "sign_in_link"
	MessageSMSCode    MessageKind = "sms_code"
	MessageMFACode    MessageKind = "mfa_code"
)

// Message is an outgoing message recorded in the outbox.
type Message struct {
	Kind MessageKind
	To   string
	Body string
}

// Options configures a Backend.
type Options struct {
	Now               func() time.Time
	LinkBaseURL       string
	LinkSecret        []byte
	LinkTTL           time.Duration
	MaxFailedAttempts int
	// Latency delays every call; it lets tests exercise timeouts.
	Latency time.Duration
	// Sender observes outgoing messages in addition to the outbox.
	Sender        func(Message)
	IDGenerator   func() (string, error)
	CodeGenerator func() (string, error)
}

type record struct {
	user         user.User
	passwordHash []byte
	mfaPhone     string
}

type verification struct {
	phone     string
	code      string
	expiresAt time.Time
}

type challenge struct {
	userID string
	code   string
	result backend.AuthResult
}

type linkClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Backend is an in-memory implementation of backend.Backend.
type Backend struct {
	opts Options

	mu            sync.Mutex
	users         map[string]*record
	byEmail       map[string]string
	byPhone       map[string]string
	byFederated   map[string]string
	verifications map[string]verification
	challenges    map[string]challenge
	consumed      map[string]struct{}
	failures      map[string]int
	outbox        []Message
	current       string
	failNext      error
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty backend.
func New(opts Options) (*Backend, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if strings.TrimSpace(opts.LinkBaseURL) == "" {
		opts.LinkBaseURL = defaultLinkBaseURL
	}
	if _, err := url.Parse(opts.LinkBaseURL); err != nil {
		return nil, fmt.Errorf("parse link base url: %w", err)
	}
	if len(opts.LinkSecret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate link secret: %w", err)
		}
		opts.LinkSecret = secret
	}
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = defaultLinkTTL
	}
	if opts.MaxFailedAttempts <= 0 {
		opts.MaxFailedAttempts = defaultMaxFailedAttempts
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = id.NewID
	}
	if opts.CodeGenerator == nil {
		opts.CodeGenerator = sixDigitCode
	}
	return &Backend{
		opts:          opts,
		users:         make(map[string]*record),
		byEmail:       make(map[string]string),
		byPhone:       make(map[string]string),
		byFederated:   make(map[string]string),
		verifications: make(map[string]verification),
		challenges:    make(map[string]challenge),
		consumed:      make(map[string]struct{}),
		failures:      make(map[string]int),
	}, nil
}

func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// AddUser seeds an account. An empty password leaves the account without the
// password provider.
func (b *Backend) AddUser(input user.CreateUserInput, password string) (user.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if input.Email != "" {
		email, err := user.NormalizeEmail(input.Email)
		if err != nil {
			return user.User{}, err
		}
		if _, exists := b.byEmail[email]; exists {
			return user.User{}, fmt.Errorf("email %s already registered", email)
		}
	}
	created, err := user.CreateUser(input, b.opts.Now, b.opts.IDGenerator)
	if err != nil {
		return user.User{}, err
	}
	rec := &record{user: created}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			return user.User{}, fmt.Errorf("hash password: %w", err)
		}
		rec.passwordHash = hash
		addProvider(&rec.user, provider.Password)
	}
	b.index(rec)
	return rec.user, nil
}

// LinkFederatedSubject seeds a federated identity for an existing user.
func (b *Backend) LinkFederatedSubject(userID, providerID, subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	b.byFederated[federatedKey(providerID, subject)] = userID
	addProvider(&rec.user, providerID)
	return nil
}

// DisableUser marks an account disabled.
func (b *Backend) DisableUser(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	rec.user.Disabled = true
	return nil
}

// EnrollMFA requires a second factor delivered to phone for userID.
func (b *Backend) EnrollMFA(userID, phone string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	rec.mfaPhone = phone
	return nil
}

// FailNext makes the next backend call return err.
func (b *Backend) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// Messages returns a copy of the outbox.
func (b *Backend) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.outbox...)
}

// LastMessage returns the most recent message of kind sent to.
func (b *Backend) LastMessage(kind MessageKind, to string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.outbox) - 1; i >= 0; i-- {
		if b.outbox[i].Kind == kind && strings.EqualFold(b.outbox[i].To, to) {
			return b.outbox[i], true
		}
	}
	return Message{}, false
}

// User returns a stored account.
func (b *Backend) User(userID string) (user.User, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.users[userID]
	if !ok {
		return user.User{}, false
	}
	return rec.user, true
}

// begin applies latency and the injected failure, then takes the lock. The
// caller must unlock.
func (b *Backend) begin(ctx context.Context) error {
	if b.opts.Latency > 0 {
		timer := time.NewTimer(b.opts.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if err := b.failNext; err != nil {
		b.failNext = nil
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *Backend) CurrentUser(ctx context.Context) (*user.User, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()
	rec, ok := b.users[b.current]
	if !ok {
		return nil, nil
	}
	u := rec.user
	return &u, nil
}

// SetCurrentUser replaces the signed-in user; an empty id signs out.
func (b *Backend) SetCurrentUser(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = userID
}

func (b *Backend) SignInWithCredential(ctx context.Context, cred backend.Credential) (backend.AuthResult, error) {
	if err := b.begin(ctx); err != nil {
		return backend.AuthResult{}, err
	}
	defer b.mu.Unlock()

	var (
		rec   *record
		isNew bool
		err   error
	)
	switch provider.KindOf(cred.ProviderID) {
	case provider.KindPassword:
		rec, err = b.passwordSignIn(cred)
	case provider.KindEmailLink:
		rec, isNew, err = b.emailLinkSignIn(cred)
	case provider.KindPhone:
		rec, isNew, err = b.phoneSignIn(cred)
	case provider.KindFederated, provider.KindGenericOAuth:
		rec, isNew, err = b.federatedSignIn(cred)
	default:
		err = backend.Fail(backend.CodeOperationNotAllowed, "credential cannot be used to sign in")
	}
	if err != nil {
		return backend.AuthResult{}, err
	}
	if rec.user.Disabled {
		return backend.AuthResult{}, backend.Fail(backend.CodeUserDisabled, "user account is disabled")
	}
	result := b.result(rec, cred, isNew)
	if rec.mfaPhone != "" {
		return backend.AuthResult{}, b.challenge(rec, result)
	}
	b.current = rec.user.ID
	return result, nil
}

func (b *Backend) passwordSignIn(cred backend.Credential) (*record, error) {
	email, err := user.NormalizeEmail(cred.Email)
	if err != nil {
		return nil, backend.Fail(backend.CodeInvalidEmail, err.Error())
	}
	if b.failures[email] >= b.opts.MaxFailedAttempts {
		return nil, backend.Fail(backend.CodeTooManyRequests, "too many failed attempts, try again later")
	}
	rec, ok := b.users[b.byEmail[email]]
	if !ok {
		return nil, backend.Fail(backend.CodeUserNotFound, "no user record for email")
	}
	if rec.passwordHash == nil {
		b.failures[email]++
		return nil, backend.Fail(backend.CodeWrongPassword, "account has no password")
	}
	if err := bcrypt.CompareHashAndPassword(rec.passwordHash, []byte(cred.Password)); err != nil {
		b.failures[email]++
		return nil, backend.Fail(backend.CodeWrongPassword, "password is invalid")
	}
	delete(b.failures, email)
	return rec, nil
}

func (b *Backend) emailLinkSignIn(cred backend.Credential) (*record, bool, error) {
	email, err := b.consumeLink(cred)
	if err != nil {
		return nil, false, err
	}
	if rec, ok := b.users[b.byEmail[email]]; ok {
		rec.user.EmailVerified = true
		addProvider(&rec.user, provider.EmailLink)
		return rec, false, nil
	}
	rec, err := b.create(user.CreateUserInput{Email: email, ProviderID: provider.EmailLink})
	if err != nil {
		return nil, false, err
	}
	rec.user.EmailVerified = true
	return rec, true, nil
}

func (b *Backend) phoneSignIn(cred backend.Credential) (*record, bool, error) {
	phone, err := b.consumeVerification(cred)
	if err != nil {
		return nil, false, err
	}
	if rec, ok := b.users[b.byPhone[phone]]; ok {
		return rec, false, nil
	}
	rec, err := b.create(user.CreateUserInput{PhoneNumber: phone, ProviderID: provider.Phone})
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (b *Backend) federatedSignIn(cred backend.Credential) (*record, bool, error) {
	subject := federatedSubject(cred)
	if subject == "" {
		return nil, false, backend.Fail(backend.CodeInvalidCredential, "federated credential has no token")
	}
	if rec, ok := b.users[b.byFederated[federatedKey(cred.ProviderID, subject)]]; ok {
		return rec, false, nil
	}
	if cred.Email != "" {
		if email, err := user.NormalizeEmail(cred.Email); err == nil {
			if _, taken := b.byEmail[email]; taken {
				collided := cred
				return nil, false, &backend.Failure{
					Code:       backend.CodeAccountExistsWithDifferentCredential,
					Message:    "an account already exists with the same email",
					Email:      email,
					Credential: &collided,
				}
			}
		}
	}
	rec, err := b.create(user.CreateUserInput{Email: cred.Email, ProviderID: cred.ProviderID, Anonymous: cred.Email == ""})
	if err != nil {
		return nil, false, backend.Fail(backend.CodeInvalidCredential, err.Error())
	}
	rec.user.Anonymous = false
	b.byFederated[federatedKey(cred.ProviderID, subject)] = rec.user.ID
	return rec, true, nil
}

func (b *Backend) LinkWithCredential(ctx context.Context, userID string, cred backend.Credential) (backend.AuthResult, error) {
	if err := b.begin(ctx); err != nil {
		return backend.AuthResult{}, err
	}
	defer b.mu.Unlock()

	rec, ok := b.users[userID]
	if !ok {
		return backend.AuthResult{}, backend.Fail(backend.CodeUserNotFound, "user to link does not exist")
	}
	collided := cred
	emailCollision := func(email string) error {
		if owner, taken := b.byEmail[email]; taken && owner != userID {
			return &backend.Failure{
				Code:       backend.CodeEmailAlreadyInUse,
				Message:    "email is already in use by another account",
				Email:      email,
				Credential: &collided,
			}
		}
		return nil
	}

	switch provider.KindOf(cred.ProviderID) {
	case provider.KindPassword:
		email, err := user.NormalizeEmail(cred.Email)
		if err != nil {
			return backend.AuthResult{}, backend.Fail(backend.CodeInvalidEmail, err.Error())
		}
		if len(cred.Password) < minPasswordLength {
			return backend.AuthResult{}, weakPassword()
		}
		if err := emailCollision(email); err != nil {
			return backend.AuthResult{}, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(cred.Password), bcrypt.MinCost)
		if err != nil {
			return backend.AuthResult{}, backend.Fail(backend.CodeInternal, err.Error())
		}
		rec.passwordHash = hash
		b.setEmail(rec, email)
	case provider.KindEmailLink:
		email, err := b.peekLink(cred)
		if err != nil {
			return backend.AuthResult{}, err
		}
		if err := emailCollision(email); err != nil {
			return backend.AuthResult{}, err
		}
		if _, err := b.consumeLink(cred); err != nil {
			return backend.AuthResult{}, err
		}
		b.setEmail(rec, email)
		rec.user.EmailVerified = true
	case provider.KindPhone:
		v, ok := b.verifications[cred.VerificationID]
		if !ok || v.code != cred.SMSCode {
			return backend.AuthResult{}, backend.Fail(backend.CodeInvalidVerificationCode, "verification code is invalid")
		}
		if owner, taken := b.byPhone[v.phone]; taken && owner != userID {
			return backend.AuthResult{}, &backend.Failure{
				Code:       backend.CodeCredentialAlreadyInUse,
				Message:    "phone number is already linked to another account",
				Credential: &collided,
			}
		}
		delete(b.verifications, cred.VerificationID)
		rec.user.PhoneNumber = v.phone
		b.byPhone[v.phone] = userID
	case provider.KindFederated, provider.KindGenericOAuth:
		subject := federatedSubject(cred)
		if subject == "" {
			return backend.AuthResult{}, backend.Fail(backend.CodeInvalidCredential, "federated credential has no token")
		}
		key := federatedKey(cred.ProviderID, subject)
		if owner, taken := b.byFederated[key]; taken && owner != userID {
			return backend.AuthResult{}, &backend.Failure{
				Code:       backend.CodeCredentialAlreadyInUse,
				Message:    "credential is already linked to another account",
				Email:      cred.Email,
				Credential: &collided,
			}
		}
		if cred.Email != "" {
			email, err := user.NormalizeEmail(cred.Email)
			if err != nil {
				return backend.AuthResult{}, backend.Fail(backend.CodeInvalidEmail, err.Error())
			}
			if err := emailCollision(email); err != nil {
				return backend.AuthResult{}, err
			}
			if rec.user.Email == "" {
				b.setEmail(rec, email)
			}
		}
		b.byFederated[key] = userID
	default:
		return backend.AuthResult{}, backend.Fail(backend.CodeOperationNotAllowed, "credential cannot be linked")
	}

	addProvider(&rec.user, cred.ProviderID)
	rec.user.Anonymous = false
	rec.user.UpdatedAt = b.opts.Now().UTC()
	b.current = userID
	return b.result(rec, cred, false), nil
}

func (b *Backend) CreateUserWithEmailAndPassword(ctx context.Context, email, password, displayName string) (backend.AuthResult, error) {
	if err := b.begin(ctx); err != nil {
		return backend.AuthResult{}, err
	}
	defer b.mu.Unlock()

	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return backend.AuthResult{}, backend.Fail(backend.CodeInvalidEmail, err.Error())
	}
	if len(password) < minPasswordLength {
		return backend.AuthResult{}, weakPassword()
	}
	if _, taken := b.byEmail[normalized]; taken {
		return backend.AuthResult{}, &backend.Failure{
			Code:    backend.CodeEmailAlreadyInUse,
			Message: "email is already in use by another account",
			Email:   normalized,
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return backend.AuthResult{}, backend.Fail(backend.CodeInternal, err.Error())
	}
	rec, err := b.create(user.CreateUserInput{Email: normalized, DisplayName: displayName, ProviderID: provider.Password})
	if err != nil {
		return backend.AuthResult{}, backend.Fail(backend.CodeInternal, err.Error())
	}
	rec.passwordHash = hash
	b.current = rec.user.ID
	return b.result(rec, backend.Credential{ProviderID: provider.Password, Email: normalized}, true), nil
}

func (b *Backend) SignInAnonymously(ctx context.Context) (backend.AuthResult, error) {
	if err := b.begin(ctx); err != nil {
		return backend.AuthResult{}, err
	}
	defer b.mu.Unlock()

	rec, err := b.create(user.CreateUserInput{Anonymous: true})
	if err != nil {
		return backend.AuthResult{}, backend.Fail(backend.CodeInternal, err.Error())
	}
	b.current = rec.user.ID
	return b.result(rec, backend.Credential{ProviderID: provider.Anonymous}, true), nil
}

func (b *Backend) FetchSignInMethods(ctx context.Context, email string) ([]string, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return nil, backend.Fail(backend.CodeInvalidEmail, err.Error())
	}
	rec, ok := b.users[b.byEmail[normalized]]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), rec.user.Providers...), nil
}

func (b *Backend) SendSignInLink(ctx context.Context, email string, settings backend.LinkSettings) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	defer b.mu.Unlock()

	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return backend.Fail(backend.CodeInvalidEmail, err.Error())
	}
	jti, err := b.opts.IDGenerator()
	if err != nil {
		return backend.Fail(backend.CodeInternal, err.Error())
	}
	now := b.opts.Now().UTC()
	claims := linkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.opts.LinkTTL)),
		},
		Email: normalized,
	}
	code, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.opts.LinkSecret)
	if err != nil {
		return backend.Fail(backend.CodeInternal, err.Error())
	}

	link, err := url.Parse(b.opts.LinkBaseURL)
	if err != nil {
		return backend.Fail(backend.CodeInternal, err.Error())
	}
	query := link.Query()
	query.Set("mode", "signIn")
	query.Set("oobCode", code)
	if settings.ContinueURL != "" {
		query.Set("continueUrl", settings.ContinueURL)
	}
	link.RawQuery = query.Encode()
	b.send(Message{Kind: MessageSignInLink, To: normalized, Body: link.String()})
	return nil
}

func (b *Backend) IsSignInWithEmailLink(link string) bool {
	parsed, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return false
	}
	query := parsed.Query()
	return query.Get("mode") == "signIn" && query.Get("oobCode") != ""
}

func (b *Backend) CheckActionCode(ctx context.Context, code string) (backend.ActionCodeInfo, error) {
	if err := b.begin(ctx); err != nil {
		return backend.ActionCodeInfo{}, err
	}
	defer b.mu.Unlock()

	claims, err := b.parseCode(code)
	if err != nil {
		return backend.ActionCodeInfo{}, err
	}
	return backend.ActionCodeInfo{Email: claims.Email}, nil
}

func (b *Backend) VerifyPhoneNumber(ctx context.Context, phoneNumber string) (string, error) {
	if err := b.begin(ctx); err != nil {
		return "", err
	}
	defer b.mu.Unlock()

	phone := strings.TrimSpace(phoneNumber)
	if !validPhone(phone) {
		return "", backend.Fail(backend.CodeInvalidCredential, "phone number must be in E.164 format")
	}
	code, err := b.opts.CodeGenerator()
	if err != nil {
		return "", backend.Fail(backend.CodeInternal, err.Error())
	}
	verificationID, err := b.opts.IDGenerator()
	if err != nil {
		return "", backend.Fail(backend.CodeInternal, err.Error())
	}
	b.verifications[verificationID] = verification{
		phone:     phone,
		code:      code,
		expiresAt: b.opts.Now().UTC().Add(b.opts.LinkTTL),
	}
	b.send(Message{Kind: MessageSMSCode, To: phone, Body: code})
	return verificationID, nil
}

func (b *Backend) ResolveMultiFactor(ctx context.Context, mfa backend.MultiFactorChallenge, code string) (backend.AuthResult, error) {
	if err := b.begin(ctx); err != nil {
		return backend.AuthResult{}, err
	}
	defer b.mu.Unlock()

	pending, ok := b.challenges[mfa.ResolverHandle]
	if !ok {
		return backend.AuthResult{}, backend.Fail(backend.CodeInvalidCredential, "multi-factor session expired")
	}
	if pending.code != strings.TrimSpace(code) {
		return backend.AuthResult{}, backend.Fail(backend.CodeInvalidVerificationCode, "verification code is invalid")
	}
	delete(b.challenges, mfa.ResolverHandle)
	b.current = pending.userID
	return pending.result, nil
}

func (b *Backend) SignOut(ctx context.Context) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	defer b.mu.Unlock()
	b.current = ""
	return nil
}

func (b *Backend) create(input user.CreateUserInput) (*record, error) {
	created, err := user.CreateUser(input, b.opts.Now, b.opts.IDGenerator)
	if err != nil {
		return nil, err
	}
	rec := &record{user: created}
	b.index(rec)
	return rec, nil
}

func (b *Backend) index(rec *record) {
	b.users[rec.user.ID] = rec
	if rec.user.Email != "" {
		b.byEmail[rec.user.Email] = rec.user.ID
	}
	if rec.user.PhoneNumber != "" {
		b.byPhone[rec.user.PhoneNumber] = rec.user.ID
	}
}

func (b *Backend) setEmail(rec *record, email string) {
	if rec.user.Email != "" && rec.user.Email != email {
		delete(b.byEmail, rec.user.Email)
	}
	rec.user.Email = email
	b.byEmail[email] = rec.user.ID
}

func (b *Backend) result(rec *record, cred backend.Credential, isNew bool) backend.AuthResult {
	cred.Password = ""
	cred.SMSCode = ""
	profile := map[string]any{}
	if rec.user.DisplayName != "" {
		profile["name"] = rec.user.DisplayName
	}
	if rec.user.PhotoURL != "" {
		profile["picture"] = rec.user.PhotoURL
	}
	return backend.AuthResult{
		User:       rec.user,
		Credential: &cred,
		AdditionalUserInfo: &backend.AdditionalUserInfo{
			ProviderID: cred.ProviderID,
			IsNewUser:  isNew,
			Profile:    profile,
		},
	}
}

func (b *Backend) challenge(rec *record, result backend.AuthResult) error {
	handle, err := b.opts.IDGenerator()
	if err != nil {
		return backend.Fail(backend.CodeInternal, err.Error())
	}
	code, err := b.opts.CodeGenerator()
	if err != nil {
		return backend.Fail(backend.CodeInternal, err.Error())
	}
	b.challenges[handle] = challenge{userID: rec.user.ID, code: code, result: result}
	b.send(Message{Kind: MessageMFACode, To: rec.mfaPhone, Body: code})
	return &backend.Failure{
		Code:      backend.CodeMultiFactorAuthRequired,
		Message:   "second factor required",
		Challenge: &backend.MultiFactorChallenge{ResolverHandle: handle, Hint: maskPhone(rec.mfaPhone)},
	}
}

func (b *Backend) send(msg Message) {
	b.outbox = append(b.outbox, msg)
	if b.opts.Sender != nil {
		b.opts.Sender(msg)
	}
}

func (b *Backend) parseCode(code string) (linkClaims, error) {
	var claims linkClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(code), &claims, func(*jwt.Token) (any, error) {
		return b.opts.LinkSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(b.opts.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return linkClaims{}, backend.Fail(backend.CodeExpiredActionCode, "sign-in link has expired")
		}
		return linkClaims{}, backend.Fail(backend.CodeInvalidActionCode, "sign-in link is invalid")
	}
	if _, used := b.consumed[claims.ID]; used {
		return linkClaims{}, backend.Fail(backend.CodeInvalidActionCode, "sign-in link was already used")
	}
	return claims, nil
}

// peekLink validates an email-link credential without consuming it.
func (b *Backend) peekLink(cred backend.Credential) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(cred.Link))
	if err != nil {
		return "", backend.Fail(backend.CodeInvalidActionCode, "sign-in link is malformed")
	}
	claims, err := b.parseCode(parsed.Query().Get("oobCode"))
	if err != nil {
		return "", err
	}
	email, err := user.NormalizeEmail(cred.Email)
	if err != nil {
		return "", backend.Fail(backend.CodeInvalidEmail, err.Error())
	}
	if email != claims.Email {
		return "", backend.Fail(backend.CodeInvalidEmail, "email does not match the sign-in link")
	}
	return email, nil
}

func (b *Backend) consumeLink(cred backend.Credential) (string, error) {
	email, err := b.peekLink(cred)
	if err != nil {
		return "", err
	}
	parsed, _ := url.Parse(strings.TrimSpace(cred.Link))
	claims, _ := b.parseCode(parsed.Query().Get("oobCode"))
	b.consumed[claims.ID] = struct{}{}
	return email, nil
}

func (b *Backend) consumeVerification(cred backend.Credential) (string, error) {
	v, ok := b.verifications[cred.VerificationID]
	if !ok {
		return "", backend.Fail(backend.CodeInvalidVerificationCode, "verification session not found")
	}
	if b.opts.Now().UTC().After(v.expiresAt) {
		delete(b.verifications, cred.VerificationID)
		return "", backend.Fail(backend.CodeInvalidVerificationCode, "verification code expired")
	}
	if v.code != strings.TrimSpace(cred.SMSCode) {
		return "", backend.Fail(backend.CodeInvalidVerificationCode, "verification code is invalid")
	}
	delete(b.verifications, cred.VerificationID)
	return v.phone, nil
}

func weakPassword() *backend.Failure {
	return &backend.Failure{
		Code:    backend.CodeWeakPassword,
		Message: "password is too weak",
		Reason:  fmt.Sprintf("password must be at least %d characters", minPasswordLength),
	}
}

func federatedKey(providerID, subject string) string {
	return providerID + "|" + subject
}

// federatedSubject keys a federated identity. ID tokens are trusted as
// issued; their sub claim is used when they parse as JWTs.
func federatedSubject(cred backend.Credential) string {
	if cred.IDToken != "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(cred.IDToken, claims); err == nil {
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				return sub
			}
		}
		return cred.IDToken
	}
	return cred.AccessToken
}

func addProvider(u *user.User, providerID string) {
	if !u.HasProvider(providerID) {
		u.Providers = append(u.Providers, providerID)
	}
}

func validPhone(phone string) bool {
	if len(phone) < 8 || len(phone) > 16 || phone[0] != '+' {
		return false
	}
	for _, r := range phone[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
