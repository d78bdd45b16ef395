package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/chatstack/chatstack-auth/internal/config"
)

const defaultProviderTimeout = 10 * time.Second

// UserInfo is the profile returned to the frontend after a login or a direct
// token check.
type UserInfo struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

// tokenInfo is the subset of Google's tokeninfo response the gateway reads.
type tokenInfo struct {
	Audience string `json:"aud"`
	Subject  string `json:"sub"`
	Email    string `json:"email"`
}

// googleProvider talks to the identity provider endpoints. Every call goes
// through client, so no request can outlive its timeout.
type googleProvider struct {
	oauth2Config *oauth2.Config
	oidc         *oidc.Provider
	tokenInfoURL string
	client       *http.Client
}

func newGoogleProvider(ctx context.Context, cfg config.Config, client *http.Client) *googleProvider {
	endpoints := cfg.Google
	provider := (&oidc.ProviderConfig{
		IssuerURL:   endpoints.Issuer,
		AuthURL:     endpoints.AuthURL,
		TokenURL:    endpoints.TokenURL,
		UserInfoURL: endpoints.UserInfoURL,
		JWKSURL:     endpoints.JWKSURL,
		Algorithms:  []string{oidc.RS256},
	}).NewProvider(oidc.ClientContext(ctx, client))

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &googleProvider{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"email", "profile"},
		},
		oidc:         provider,
		tokenInfoURL: endpoints.TokenInfoURL,
		client:       client,
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &http.Client{
		Timeout: timeout,
	}
}

func (p *googleProvider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.client)
}

func (p *googleProvider) authCodeURL(state, codeChallenge string) string {
	return p.oauth2Config.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
	)
}

func (p *googleProvider) exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	return p.oauth2Config.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(codeVerifier))
}

func (p *googleProvider) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := p.oauth2Config.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

func (p *googleProvider) userInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	info, err := p.oidc.UserInfo(p.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return UserInfo{}, err
	}

	var profile struct {
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := info.Claims(&profile); err != nil {
		return UserInfo{}, fmt.Errorf("decode user info: %w", err)
	}
	return UserInfo{
		ID:      info.Subject,
		Email:   info.Email,
		Name:    profile.Name,
		Picture: profile.Picture,
	}, nil
}

// errTokenInfoRejected marks a tokeninfo response that was not a 200.
var errTokenInfoRejected = errors.New("tokeninfo rejected the access token")

func (p *googleProvider) tokenInfo(ctx context.Context, accessToken string) (tokenInfo, error) {
	q := url.Values{}
	q.Set("access_token", accessToken)
	endpoint := p.tokenInfoURL
	if strings.Contains(endpoint, "?") {
		endpoint += "&" + q.Encode()
	} else {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return tokenInfo{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return tokenInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return tokenInfo{}, errTokenInfoRejected
	}

	var info tokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return tokenInfo{}, fmt.Errorf("decode tokeninfo: %w", err)
	}
	return info, nil
}

// providerErrorText extracts the provider's error code and description from a
// failed token request. The request body, which carries the client secret, is
// never part of the result.
func providerErrorText(err error) string {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return "token endpoint unavailable"
	}
	text := re.ErrorCode
	if re.ErrorDescription != "" {
		if text != "" {
			text += ": "
		}
		text += re.ErrorDescription
	}
	if text == "" && re.Response != nil {
		text = re.Response.Status
	}
	return text
}

// isTransportError reports whether err came from reaching the provider rather
// than from the provider's answer.
func isTransportError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
