// Package auth implements the Authentication & Authorization Gate (C2):
// GitHub-OAuth-backed session identity for both HTTP and remote-tool
// clients, plus whitelisting.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/internal/auth/oauth"
	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/pkg/crypto"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

const (
	humanSessionTTL = 30 * 24 * time.Hour
	toolSessionTTL  = 90 * 24 * time.Hour
	deviceFlowTTL   = 15 * time.Minute
)

// deviceFlowState is one in-flight begin_device_flow attempt.
type deviceFlowState string

const (
	deviceFlowPending  deviceFlowState = "PENDING"
	deviceFlowApproved deviceFlowState = "APPROVED"
	deviceFlowExpired  deviceFlowState = "EXPIRED"
	deviceFlowDenied   deviceFlowState = "DENIED"
)

type deviceFlowAttempt struct {
	state     deviceFlowState
	interval  time.Duration
	createdAt time.Time
	session   *mintedSession // set once state == APPROVED
}

type mintedSession struct {
	session *models.Session
	token   string
}

// Service is the Authentication & Authorization Gate.
type Service struct {
	repos  *repositories.Repositories
	github *oauth.GithubClient
	OAuth  *oauth.Server
	keys   *crypto.KeyManager

	mu      sync.Mutex
	devices map[string]*deviceFlowAttempt
}

// NewService wires up the Auth Gate. keys may be nil, in which case the
// GitHub access token obtained during login is never persisted — open_pr
// (C6) will fail with their own upstream error instead of finding
// a usable credential, rather than this package inventing a fallback.
func NewService(repos *repositories.Repositories, githubCfg oauth.GithubConfig, baseURL string, keys *crypto.KeyManager) *Service {
	s := &Service{
		repos:   repos,
		github:  oauth.NewGithubClient(githubCfg),
		keys:    keys,
		devices: make(map[string]*deviceFlowAttempt),
	}
	s.OAuth = oauth.NewServer(s.github, s, baseURL)
	return s
}

// DeviceFlowBegin is the result of begin_device_flow.
type DeviceFlowBegin struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        int
	ExpiresIn       int
}

// BeginDeviceFlow delegates to GitHub's device-flow endpoint and tracks the
// resulting device code locally so PollDeviceFlow can report terminal
// states without re-asking GitHub after they've already occurred.
func (s *Service) BeginDeviceFlow(ctx context.Context) (*DeviceFlowBegin, error) {
	resp, err := s.github.RequestDeviceCode("read:user user:email")
	if err != nil {
		return nil, newErr("begin_device_flow", ErrUpstreamUnavailable, err)
	}

	s.mu.Lock()
	s.devices[resp.DeviceCode] = &deviceFlowAttempt{
		state:     deviceFlowPending,
		interval:  time.Duration(resp.Interval) * time.Second,
		createdAt: time.Now(),
	}
	s.mu.Unlock()

	return &DeviceFlowBegin{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		Interval:        resp.Interval,
		ExpiresIn:       resp.ExpiresIn,
	}, nil
}

// PollDeviceFlow is poll_device_flow: on the first call after GitHub
// reports success it fetches the identity, checks the whitelist, upserts
// the User, and mints a HUMAN Session; every call thereafter for the same
// device code returns the same minted session (or the terminal error)
// without re-contacting GitHub.
func (s *Service) PollDeviceFlow(ctx context.Context, deviceCode string) (*models.Session, string, error) {
	s.mu.Lock()
	attempt, ok := s.devices[deviceCode]
	s.mu.Unlock()
	if !ok {
		return nil, "", newErr("poll_device_flow", ErrUnauthenticated, fmt.Errorf("unknown device code"))
	}

	if time.Since(attempt.createdAt) > deviceFlowTTL {
		s.setDeviceState(deviceCode, deviceFlowExpired, nil)
		return nil, "", newErr("poll_device_flow", ErrUnauthenticated, fmt.Errorf("device code expired"))
	}

	switch attempt.state {
	case deviceFlowApproved:
		return attempt.session.session, attempt.session.token, nil
	case deviceFlowExpired:
		return nil, "", newErr("poll_device_flow", ErrUnauthenticated, fmt.Errorf("device code expired"))
	case deviceFlowDenied:
		return nil, "", newErr("poll_device_flow", ErrForbidden, fmt.Errorf("authorization denied"))
	}

	result, err := s.github.PollDeviceCode(deviceCode)
	if err != nil {
		return nil, "", newErr("poll_device_flow", ErrUpstreamUnavailable, err)
	}

	switch {
	case result.Pending:
		return nil, "", newErr("poll_device_flow", ErrUnauthenticated, fmt.Errorf("authorization_pending"))
	case result.Expired:
		s.setDeviceState(deviceCode, deviceFlowExpired, nil)
		return nil, "", newErr("poll_device_flow", ErrUnauthenticated, fmt.Errorf("device code expired"))
	case result.Denied:
		s.setDeviceState(deviceCode, deviceFlowDenied, nil)
		return nil, "", newErr("poll_device_flow", ErrForbidden, fmt.Errorf("authorization denied"))
	}

	identity, err := s.github.FetchIdentity(result.AccessToken)
	if err != nil {
		return nil, "", newErr("poll_device_flow", ErrUpstreamUnavailable, err)
	}

	user, err := s.UpsertAndAuthorizeGithubIdentity(identity)
	if err != nil {
		return nil, "", err
	}

	if err := s.storeGithubToken(ctx, user.ID, result.AccessToken); err != nil {
		return nil, "", newErr("poll_device_flow", ErrUpstreamUnavailable, err)
	}

	token, expiresAt, err := s.mintSession(ctx, user.ID, models.SessionKindHuman, nil, humanSessionTTL)
	if err != nil {
		return nil, "", newErr("poll_device_flow", ErrUpstreamUnavailable, err)
	}
	session := &models.Session{UserID: user.ID, Kind: models.SessionKindHuman, ExpiresAt: expiresAt}

	s.setDeviceState(deviceCode, deviceFlowApproved, &mintedSession{session: session, token: token})
	return session, token, nil
}

func (s *Service) setDeviceState(deviceCode string, state deviceFlowState, minted *mintedSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt, ok := s.devices[deviceCode]; ok {
		attempt.state = state
		attempt.session = minted
	}
}

// UpsertAndAuthorizeGithubIdentity implements oauth.IdentityGate. It
// upserts the User row for identity, then enforces the whitelist: a
// successful GitHub login from a non-whitelisted account still creates/
// updates the User record (so an admin can whitelist them later without
// the user re-authenticating) but is rejected here.
func (s *Service) UpsertAndAuthorizeGithubIdentity(identity *oauth.Identity) (*models.User, error) {
	var displayName, avatarURL *string
	if identity.Name != "" {
		displayName = &identity.Name
	}
	if identity.AvatarURL != "" {
		avatarURL = &identity.AvatarURL
	}

	user, err := s.repos.Users.UpsertByGithubID(context.Background(), identity.ID, identity.Login, identity.Email, displayName, avatarURL)
	if err != nil {
		return nil, newErr("authorize_identity", ErrUpstreamUnavailable, err)
	}

	active, err := s.repos.Whitelist.IsActive(context.Background(), identity.Login)
	if err != nil {
		return nil, newErr("authorize_identity", ErrUpstreamUnavailable, err)
	}
	if active != user.IsWhitelisted {
		if err := s.repos.Users.SetWhitelisted(context.Background(), user.ID, active); err != nil {
			return nil, newErr("authorize_identity", ErrUpstreamUnavailable, err)
		}
		user.IsWhitelisted = active
	}

	if !user.IsWhitelisted {
		return nil, newErr("authorize_identity", ErrForbidden, fmt.Errorf("%s is not whitelisted", identity.Login))
	}

	return user, nil
}

// MintToolSession implements oauth.IdentityGate for the embedded OAuth
// server's token endpoint.
func (s *Service) MintToolSession(userID uuid.UUID, clientInfo *string) (string, time.Time, error) {
	return s.mintSession(context.Background(), userID, models.SessionKindTool, clientInfo, toolSessionTTL)
}

func (s *Service) mintSession(ctx context.Context, userID uuid.UUID, kind models.SessionKind, clientInfo *string, ttl time.Duration) (string, time.Time, error) {
	token, err := generateToken()
	if err != nil {
		return "", time.Time{}, err
	}

	session, err := s.repos.Sessions.Mint(ctx, userID, hashToken(token), kind, clientInfo, ttl)
	if err != nil {
		return "", time.Time{}, err
	}

	return token, session.ExpiresAt, nil
}

// Authenticate is authenticate(bearer): it hashes the presented token,
// looks up an unexpired Session, and loads its User — rejecting if the
// user's whitelist status has since been revoked.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*models.User, error) {
	if bearer == "" {
		return nil, newErr("authenticate", ErrUnauthenticated, fmt.Errorf("missing bearer token"))
	}

	session, err := s.repos.Sessions.GetUnexpiredByTokenHash(ctx, hashToken(bearer))
	if err == sql.ErrNoRows {
		return nil, newErr("authenticate", ErrUnauthenticated, fmt.Errorf("invalid or expired session"))
	}
	if err != nil {
		return nil, newErr("authenticate", ErrUpstreamUnavailable, err)
	}

	user, err := s.repos.Users.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, newErr("authenticate", ErrUnauthenticated, fmt.Errorf("session user not found"))
	}

	if !user.IsWhitelisted {
		return nil, newErr("authenticate", ErrForbidden, fmt.Errorf("%s is no longer whitelisted", user.Username))
	}

	return user, nil
}

// Revoke flips whitelist + user flags and expires every session for
// username, per spec.md's revoke(username).
func (s *Service) Revoke(ctx context.Context, username string) error {
	user, err := s.repos.Users.GetByUsername(ctx, username)
	if err != nil {
		return newErr("revoke", ErrUpstreamUnavailable, err)
	}

	if err := s.repos.Whitelist.SetActive(ctx, username, false); err != nil {
		return newErr("revoke", ErrUpstreamUnavailable, err)
	}
	if err := s.repos.Users.SetWhitelisted(ctx, user.ID, false); err != nil {
		return newErr("revoke", ErrUpstreamUnavailable, err)
	}
	if err := s.repos.Sessions.ExpireAllForUser(ctx, user.ID); err != nil {
		return newErr("revoke", ErrUpstreamUnavailable, err)
	}
	return nil
}

// storeGithubToken encrypts accessToken at rest, per spec.md §5 ("GitHub
// tokens are encrypted at rest... never logged"). A nil KeyManager
// disables persistence entirely rather than storing plaintext.
func (s *Service) storeGithubToken(ctx context.Context, userID uuid.UUID, accessToken string) error {
	if s.keys == nil || accessToken == "" {
		return nil
	}
	encrypted, err := crypto.Encrypt([]byte(accessToken), s.keys.GetActiveKey().Key)
	if err != nil {
		return fmt.Errorf("encrypt github token: %w", err)
	}
	return s.repos.Users.SetGithubTokenEncrypted(ctx, userID, encrypted)
}

// DecryptGithubToken recovers user's plaintext GitHub access token, used
// by the Attempt State Machine (C6) to push a branch and open a PR on the
// attempting user's behalf. Returns ErrUpstreamUnavailable if the user has
// no stored token (never logged in via device flow, or encryption is
// disabled) — merge/rebase still work without it; only open_pr needs it.
func (s *Service) DecryptGithubToken(user *models.User) (string, error) {
	if s.keys == nil || len(user.GithubTokenEncrypted) == 0 {
		return "", newErr("decrypt_github_token", ErrUpstreamUnavailable, fmt.Errorf("no stored github token for %s", user.Username))
	}
	plaintext, err := crypto.Decrypt(user.GithubTokenEncrypted, s.keys.GetActiveKey().Key)
	if err != nil {
		return "", newErr("decrypt_github_token", ErrUpstreamUnavailable, fmt.Errorf("decrypt github token: %w", err))
	}
	return string(plaintext), nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return "fgt_" + hex.EncodeToString(b), nil
}

func hashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
