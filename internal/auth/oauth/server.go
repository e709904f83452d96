package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

// IdentityGate is the subset of the Auth Gate the embedded authorization
// server needs: resolving a GitHub identity into a whitelisted local User,
// and minting the TOOL-kind Session the remote-tool client ultimately gets.
type IdentityGate interface {
	UpsertAndAuthorizeGithubIdentity(identity *Identity) (*models.User, error)
	MintToolSession(userID uuid.UUID, clientInfo *string) (token string, expiresAt time.Time, err error)
}

// pendingAuthorize is one in-flight begin_oauth_authorize request: a
// remote-tool client's PKCE challenge, parked until the user finishes
// logging in with GitHub.
type pendingAuthorize struct {
	clientID      string
	redirectURI   string
	clientState   string
	codeChallenge string
	createdAt     time.Time
}

// issuedCode is a one-time authorization code handed to the tool client
// after GitHub login succeeds, redeemable exactly once at the token
// endpoint against the PKCE verifier.
type issuedCode struct {
	codeChallenge string
	userID        uuid.UUID
	redirectURI   string
	createdAt     time.Time
}

const (
	authorizeTTL = 10 * time.Minute
	codeTTL      = 2 * time.Minute
)

// Server is an embedded OAuth 2.1 authorization server for remote-tool
// clients. It never stores a password: GitHub remains the only identity
// provider, this server only brokers PKCE-bound authorization codes around
// that login and issues our own Sessions at the end.
type Server struct {
	github *GithubClient
	gate   IdentityGate
	baseURL string

	mu       sync.Mutex
	pending  map[string]*pendingAuthorize
	issued   map[string]*issuedCode
}

func NewServer(github *GithubClient, gate IdentityGate, baseURL string) *Server {
	return &Server{
		github:  github,
		gate:    gate,
		baseURL: baseURL,
		pending: make(map[string]*pendingAuthorize),
		issued:  make(map[string]*issuedCode),
	}
}

// BeginAuthorize is begin_oauth_authorize. PKCE is mandatory: codeChallenge
// must be non-empty and is always treated as S256 per spec.md.
func (s *Server) BeginAuthorize(clientID, redirectURI, state, codeChallenge string) (githubAuthorizeURL string, err error) {
	if codeChallenge == "" {
		return "", fmt.Errorf("code_challenge is required (PKCE S256 is mandatory)")
	}
	if redirectURI == "" {
		return "", fmt.Errorf("redirect_uri is required")
	}

	authorizeID := uuid.NewString()

	s.mu.Lock()
	s.pending[authorizeID] = &pendingAuthorize{
		clientID:      clientID,
		redirectURI:   redirectURI,
		clientState:   state,
		codeChallenge: codeChallenge,
		createdAt:     time.Now(),
	}
	s.mu.Unlock()

	return s.github.AuthorizeURL(s.baseURL+"/oauth/github/callback", authorizeID, "read:user user:email"), nil
}

// CompleteCallback is complete_oauth_callback: GitHub has redirected back
// with its own authorization code and the authorizeID we passed as state.
// It resolves the caller's identity, mints a one-time code bound to their
// PKCE challenge, and returns the redirect_uri the tool client should be
// sent back to.
func (s *Server) CompleteCallback(githubCode, authorizeID string) (clientRedirectURL string, err error) {
	s.mu.Lock()
	pa, ok := s.pending[authorizeID]
	if ok {
		delete(s.pending, authorizeID)
	}
	s.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("unknown or expired authorize request")
	}
	if time.Since(pa.createdAt) > authorizeTTL {
		return "", fmt.Errorf("authorize request expired")
	}

	accessToken, err := s.github.ExchangeCode(githubCode, s.baseURL+"/oauth/github/callback")
	if err != nil {
		return "", fmt.Errorf("exchange github code: %w", err)
	}

	identity, err := s.github.FetchIdentity(accessToken)
	if err != nil {
		return "", fmt.Errorf("fetch github identity: %w", err)
	}

	user, err := s.gate.UpsertAndAuthorizeGithubIdentity(identity)
	if err != nil {
		return "", err
	}

	code := uuid.NewString()
	s.mu.Lock()
	s.issued[code] = &issuedCode{
		codeChallenge: pa.codeChallenge,
		userID:        user.ID,
		redirectURI:   pa.redirectURI,
		createdAt:     time.Now(),
	}
	s.mu.Unlock()

	redirectURL, err := url.Parse(pa.redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid client redirect_uri: %w", err)
	}
	q := redirectURL.Query()
	q.Set("code", code)
	if pa.clientState != "" {
		q.Set("state", pa.clientState)
	}
	redirectURL.RawQuery = q.Encode()

	return redirectURL.String(), nil
}

// ExchangeToken is the token endpoint: it redeems code exactly once,
// verifying the presented codeVerifier against the PKCE challenge
// recorded at BeginAuthorize time, then mints a TOOL Session.
func (s *Server) ExchangeToken(code, codeVerifier string, clientInfo *string) (bearerToken string, expiresAt time.Time, err error) {
	s.mu.Lock()
	ic, ok := s.issued[code]
	if ok {
		delete(s.issued, code)
	}
	s.mu.Unlock()

	if !ok {
		return "", time.Time{}, fmt.Errorf("invalid or already-redeemed code")
	}
	if time.Since(ic.createdAt) > codeTTL {
		return "", time.Time{}, fmt.Errorf("code expired")
	}

	if !verifyPKCE(ic.codeChallenge, codeVerifier) {
		return "", time.Time{}, fmt.Errorf("code_verifier does not match code_challenge")
	}

	return s.gate.MintToolSession(ic.userID, clientInfo)
}

// verifyPKCE implements RFC 7636 S256: BASE64URL-ENCODE(SHA256(verifier))
// must equal the challenge recorded at authorize time, byte for byte.
func verifyPKCE(codeChallenge, codeVerifier string) bool {
	sum := sha256.Sum256([]byte(codeVerifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
}

// WellKnownMetadata implements .well-known/oauth-authorization-server
// (RFC 8414), advertising that PKCE S256 is the only supported method.
func (s *Server) WellKnownMetadata() map[string]interface{} {
	return map[string]interface{}{
		"issuer":                                s.baseURL,
		"authorization_endpoint":                s.baseURL + "/oauth/authorize",
		"token_endpoint":                        s.baseURL + "/oauth/token",
		"code_challenge_methods_supported":      []string{"S256"},
		"grant_types_supported":                 []string{"authorization_code"},
		"response_types_supported":              []string{"code"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	}
}
