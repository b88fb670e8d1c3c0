package httpapi

import (
	"time"

	"github.com/louisbranch/authflow/internal/services/authflow/autherr"
	"github.com/louisbranch/authflow/internal/services/authflow/flow"
	"github.com/louisbranch/authflow/internal/services/authflow/provider"
	"github.com/louisbranch/authflow/internal/services/authflow/state"
	"github.com/louisbranch/authflow/internal/services/authflow/user"
)

type userView struct {
	ID            string    `json:"id"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	DisplayName   string    `json:"displayName,omitempty"`
	PhoneNumber   string    `json:"phoneNumber,omitempty"`
	PhotoURL      string    `json:"photoUrl,omitempty"`
	Anonymous     bool      `json:"anonymous"`
	Providers     []string  `json:"providers"`
	CreatedAt     time.Time `json:"createdAt"`
}

type authErrorView struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Email       string `json:"email,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type challengeView struct {
	Handle string `json:"handle"`
	Hint   string `json:"hint,omitempty"`
}

type credentialView struct {
	ProviderID string `json:"providerId"`
	Email      string `json:"email,omitempty"`
}

type stateView struct {
	Kind              string          `json:"kind"`
	Terminal          bool            `json:"terminal"`
	Message           string          `json:"message,omitempty"`
	User              *userView       `json:"user,omitempty"`
	ProviderID        string          `json:"providerId,omitempty"`
	IsNewUser         bool            `json:"isNewUser,omitempty"`
	Email             string          `json:"email,omitempty"`
	MissingFields     []string        `json:"missingFields,omitempty"`
	Challenge         *challengeView  `json:"challenge,omitempty"`
	PendingCredential *credentialView `json:"pendingCredential,omitempty"`
	Error             *authErrorView  `json:"error,omitempty"`
}

type flowView struct {
	ID                string    `json:"id"`
	AppID             string    `json:"appId"`
	Providers         []string  `json:"providers"`
	DefaultProviderID string    `json:"defaultProviderId,omitempty"`
	TermsURL          string    `json:"termsUrl,omitempty"`
	PrivacyPolicyURL  string    `json:"privacyPolicyUrl,omitempty"`
	AnonymousUpgrade  bool      `json:"anonymousUpgrade"`
	AlwaysShowChooser bool      `json:"alwaysShowChooser"`
	State             stateView `json:"state"`
}

type resultView struct {
	Status    string         `json:"status"`
	UserID    string         `json:"userId,omitempty"`
	IsNewUser bool           `json:"isNewUser,omitempty"`
	Error     *authErrorView `json:"error,omitempty"`
}

type phoneVerificationView struct {
	VerificationID string    `json:"verificationId,omitempty"`
	State          stateView `json:"state"`
}

type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func newUserView(u user.User) *userView {
	providers := u.Providers
	if providers == nil {
		providers = []string{}
	}
	return &userView{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		DisplayName:   u.DisplayName,
		PhoneNumber:   u.PhoneNumber,
		PhotoURL:      u.PhotoURL,
		Anonymous:     u.Anonymous,
		Providers:     providers,
		CreatedAt:     u.CreatedAt,
	}
}

func newAuthErrorView(err *autherr.AuthError) *authErrorView {
	if err == nil {
		return nil
	}
	return &authErrorView{
		Kind:        err.Kind.String(),
		Message:     err.Message,
		Recoverable: err.Recoverable,
		Email:       err.Email,
		Reason:      err.Reason,
	}
}

func newStateView(s state.State) stateView {
	view := stateView{Kind: s.Kind().String(), Terminal: state.IsTerminal(s)}
	switch v := s.(type) {
	case state.Idle, state.Cancelled, state.InvalidLink, state.WrongDevice,
		state.DifferentAnonymousUser, state.PromptForEmail:
	case state.Loading:
		view.Message = v.Message
	case state.Success:
		view.User = newUserView(v.User)
		view.ProviderID = v.ProviderID
		view.IsNewUser = v.IsNewUser
	case state.Error:
		view.Error = newAuthErrorView(v.Err)
	case state.RequiresMfa:
		view.Challenge = &challengeView{Handle: v.Challenge.ResolverHandle, Hint: v.Challenge.Hint}
	case state.RequiresEmailVerification:
		view.User = newUserView(v.User)
		view.Email = v.Email
	case state.RequiresProfileCompletion:
		view.User = newUserView(v.User)
		view.MissingFields = v.MissingFields
	case state.RequiresSignIn:
		view.ProviderID = v.ProviderID
		view.Email = v.Email
	case state.MergeConflict:
		view.Email = v.Email
		view.PendingCredential = &credentialView{
			ProviderID: v.PendingCredential.ProviderID,
			Email:      v.PendingCredential.Email,
		}
	case state.CrossDeviceConfirm:
		view.Email = v.Email
		view.ProviderID = v.ProviderID
	}
	return view
}

func newFlowView(appID string, c *flow.Controller) flowView {
	cfg := c.Config()
	return flowView{
		ID:                c.ID(),
		AppID:             appID,
		Providers:         cfg.ProviderIDs(),
		DefaultProviderID: cfg.DefaultProviderID,
		TermsURL:          cfg.TermsURL,
		PrivacyPolicyURL:  cfg.PrivacyPolicyURL,
		AnonymousUpgrade:  cfg.AnonymousUpgrade,
		AlwaysShowChooser: cfg.AlwaysShowChooser,
		State:             newStateView(c.State()),
	}
}

func newResultView(res flow.Result) resultView {
	return resultView{
		Status:    string(res.Status),
		UserID:    res.UserID,
		IsNewUser: res.IsNewUser,
		Error:     newAuthErrorView(res.Err),
	}
}

// flowConfigRequest is the JSON form of provider.FlowConfiguration.
type flowConfigRequest struct {
	Providers         []provider.Config `json:"providers"`
	DefaultProviderID string            `json:"defaultProviderId"`
	TermsURL          string            `json:"termsUrl"`
	PrivacyPolicyURL  string            `json:"privacyPolicyUrl"`
	AnonymousUpgrade  bool              `json:"anonymousUpgrade"`
	AlwaysShowChooser bool              `json:"alwaysShowChooser"`
	Theme             string            `json:"theme"`
	Logo              string            `json:"logo"`
}

func (r flowConfigRequest) configuration() provider.FlowConfiguration {
	return provider.FlowConfiguration{
		Providers:         r.Providers,
		DefaultProviderID: r.DefaultProviderID,
		TermsURL:          r.TermsURL,
		PrivacyPolicyURL:  r.PrivacyPolicyURL,
		AnonymousUpgrade:  r.AnonymousUpgrade,
		AlwaysShowChooser: r.AlwaysShowChooser,
		Theme:             r.Theme,
		Logo:              r.Logo,
	}
}

type startRequest struct {
	AppID  string             `json:"appId"`
	Config *flowConfigRequest `json:"config"`
}

type signInRequest struct {
	ProviderID     string `json:"providerId"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	DisplayName    string `json:"displayName"`
	NewAccount     bool   `json:"newAccount"`
	PhoneNumber    string `json:"phoneNumber"`
	VerificationID string `json:"verificationId"`
	Code           string `json:"code"`
	IDToken        string `json:"idToken"`
	AccessToken    string `json:"accessToken"`
	Secret         string `json:"secret"`
	AuthCode       string `json:"authCode"`
	Link           string `json:"link"`
}

type phoneRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type confirmRequest struct {
	ContinueLinking bool `json:"continueLinking"`
}

type codeRequest struct {
	Code string `json:"code"`
}
