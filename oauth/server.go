// Package oauth implements the built-in OAuth 2.1 authorization server that
// mints the bearer credentials gating MCP access. The flow is
// authorization-code with PKCE (S256 only): a member proves ownership with
// their connection token, receives a one-time 10-minute code, and exchanges
// it for a 30-day access/refresh pair. Refresh redemptions rotate the pair.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engagekit/mcp-server/internal/logctx"
	"github.com/engagekit/mcp-server/store"
)

const (
	codeTTL      = 10 * time.Minute
	tokenTTL     = 30 * 24 * time.Hour
	defaultScope = "mcp:tools mcp:prompts"
)

// generateToken mints a 32-byte URL-safe opaque token.
func generateToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable.
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// oauthError is the RFC 6749 error response body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthError{Error: code, ErrorDescription: description})
}

// tokenResponse is the RFC 6749 access token response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Server handles the OAuth endpoints under /oauth.
type Server struct {
	mux        *http.ServeMux
	log        *slog.Logger
	tokens     store.TokenStore
	identities store.IdentityStore

	now func() time.Time
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithClock overrides time.Now, for tests exercising expiry.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// NewServer builds the authorization server over the given stores.
func NewServer(tokens store.TokenStore, identities store.IdentityStore, log *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		log:        log,
		tokens:     tokens,
		identities: identities,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /oauth/authorize", s.handleAuthorize)
	s.mux.HandleFunc("GET /oauth/callback", s.handleCallback)
	s.mux.HandleFunc("POST /oauth/token", s.handleToken)
	s.mux.HandleFunc("POST /oauth/revoke", s.handleRevoke)
	s.mux.HandleFunc("POST /oauth/register", s.handleRegister)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleAuthorize starts the authorization-code flow. A request carrying a
// connection token is authorized immediately; otherwise the interactive form
// collects one and resumes via the callback endpoint.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	scope := q.Get("scope")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	connectionToken := q.Get("connectionToken")

	s.log.InfoContext(ctx, "oauth.authorize.start",
		slog.String("client_id", clientID),
		slog.Bool("direct", connectionToken != ""),
	)

	if clientID == "" || redirectURI == "" || state == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"Missing required parameters: client_id, redirect_uri, state")
		return
	}
	if codeChallenge != "" && codeChallengeMethod != "S256" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"Only S256 code_challenge_method is supported")
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil || (target.Scheme != "https" && !strings.Contains(target.Hostname(), "localhost") && target.Hostname() != "127.0.0.1") {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"redirect_uri must use HTTPS or localhost")
		return
	}

	if connectionToken != "" {
		ident, err := s.identities.FindByConnectionToken(ctx, connectionToken)
		if err != nil {
			if errors.Is(err, store.ErrIdentityNotFound) {
				s.log.InfoContext(ctx, "oauth.authorize.token.invalid")
				writeOAuthError(w, http.StatusUnauthorized, "access_denied", "Invalid connection token")
				return
			}
			s.serverError(ctx, w, "oauth.authorize.lookup.fail", err)
			return
		}
		s.issueCodeAndRedirect(ctx, w, r, codeGrant{
			ownerID:             ident.ConnectionToken,
			clientID:            clientID,
			scope:               scope,
			codeChallenge:       codeChallenge,
			codeChallengeMethod: codeChallengeMethod,
			redirectURI:         target,
			state:               state,
		})
		return
	}

	// Interactive flow: the form collects the connection token and resumes
	// at the callback endpoint with the original parameters intact.
	s.renderAuthorizePage(w, authorizePageData{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               state,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
	})
}

// handleCallback resumes the interactive flow once the form supplied a
// connection token.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	connectionToken := q.Get("connectionToken")
	clientID := q.Get("client_id")
	state := q.Get("state")
	redirectURI := q.Get("redirect_uri")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")

	s.log.InfoContext(ctx, "oauth.callback.start", slog.String("client_id", clientID))

	if connectionToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Missing connection token")
		return
	}
	if codeChallenge != "" && codeChallengeMethod != "S256" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"Only S256 code_challenge_method is supported")
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Invalid redirect_uri")
		return
	}

	ident, err := s.identities.FindByConnectionToken(ctx, connectionToken)
	if err != nil {
		if errors.Is(err, store.ErrIdentityNotFound) {
			s.log.InfoContext(ctx, "oauth.callback.token.invalid")
			writeOAuthError(w, http.StatusUnauthorized, "access_denied", "Invalid connection token")
			return
		}
		s.serverError(ctx, w, "oauth.callback.lookup.fail", err)
		return
	}

	s.issueCodeAndRedirect(ctx, w, r, codeGrant{
		ownerID:             ident.ConnectionToken,
		clientID:            clientID,
		scope:               defaultScope,
		codeChallenge:       codeChallenge,
		codeChallengeMethod: codeChallengeMethod,
		redirectURI:         target,
		state:               state,
	})
}

type codeGrant struct {
	ownerID             string
	clientID            string
	scope               string
	codeChallenge       string
	codeChallengeMethod string
	redirectURI         *url.URL
	state               string
}

func (s *Server) issueCodeAndRedirect(ctx context.Context, w http.ResponseWriter, r *http.Request, grant codeGrant) {
	scope := grant.scope
	if scope == "" {
		scope = defaultScope
	}
	code := generateToken()
	rec := &store.TokenRecord{
		AccessToken:         code,
		Kind:                store.KindAuthorizationCode,
		OwnerID:             grant.ownerID,
		ClientID:            grant.clientID,
		Scope:               scope,
		CodeChallenge:       grant.codeChallenge,
		CodeChallengeMethod: grant.codeChallengeMethod,
		ExpiresAt:           s.now().Add(codeTTL),
	}
	if err := s.tokens.CreateToken(ctx, rec); err != nil {
		s.serverError(ctx, w, "oauth.code.create.fail", err)
		return
	}

	target := *grant.redirectURI
	vals := target.Query()
	vals.Set("code", code)
	vals.Set("state", grant.state)
	target.RawQuery = vals.Encode()

	s.log.InfoContext(ctx, "oauth.code.issued", slog.String("client_id", grant.clientID))
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleToken exchanges an authorization code or a refresh token for a fresh
// access/refresh pair. Redemption is atomic: with concurrent attempts on the
// same code or refresh token exactly one caller wins.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	grantType := r.PostFormValue("grant_type")
	s.log.InfoContext(ctx, "oauth.token.start", slog.String("grant_type", grantType))

	switch grantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(ctx, w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(ctx, w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type",
			"Only authorization_code and refresh_token grant types are supported")
	}
}

func (s *Server) handleAuthorizationCodeGrant(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	clientID := r.PostFormValue("client_id")
	codeVerifier := r.PostFormValue("code_verifier")

	if code == "" || redirectURI == "" || clientID == "" || codeVerifier == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Missing required parameters")
		return
	}

	// Verify the PKCE challenge before consuming, so a mistyped verifier
	// leaves the code redeemable. The consume afterwards is the atomic
	// check-and-set, so concurrent redeemers still see exactly one winner.
	found, err := s.tokens.FindAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			s.log.InfoContext(ctx, "oauth.token.code.miss")
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid or expired authorization code")
			return
		}
		s.serverError(ctx, w, "oauth.token.lookup.fail", err)
		return
	}

	if found.CodeChallenge != "" {
		hash := sha256.Sum256([]byte(codeVerifier))
		computed := base64.RawURLEncoding.EncodeToString(hash[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(found.CodeChallenge)) != 1 {
			s.log.InfoContext(ctx, "oauth.token.pkce.fail")
			writeOAuthError(w, http.StatusUnauthorized, "invalid_grant", "Invalid code_verifier")
			return
		}
	}

	rec, err := s.tokens.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			s.log.InfoContext(ctx, "oauth.token.code.miss")
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid or expired authorization code")
			return
		}
		s.serverError(ctx, w, "oauth.token.consume.fail", err)
		return
	}

	s.issuePair(ctx, w, rec.OwnerID, clientID, rec.Scope)
}

func (s *Server) handleRefreshTokenGrant(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Missing refresh_token parameter")
		return
	}

	rec, err := s.tokens.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			s.log.InfoContext(ctx, "oauth.token.refresh.miss")
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid or expired refresh token")
			return
		}
		s.serverError(ctx, w, "oauth.token.consume.fail", err)
		return
	}

	// Rotation: the old pair is already revoked; mint a new one with the
	// same grant.
	s.issuePair(ctx, w, rec.OwnerID, rec.ClientID, rec.Scope)
}

func (s *Server) issuePair(ctx context.Context, w http.ResponseWriter, ownerID, clientID, scope string) {
	if scope == "" {
		scope = defaultScope
	}
	accessToken := generateToken()
	refreshToken := generateToken()
	rec := &store.TokenRecord{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Kind:         store.KindBearer,
		OwnerID:      ownerID,
		ClientID:     clientID,
		ClientName:   "MCP Client",
		Scope:        scope,
		ExpiresAt:    s.now().Add(tokenTTL),
	}
	if err := s.tokens.CreateToken(ctx, rec); err != nil {
		s.serverError(ctx, w, "oauth.token.create.fail", err)
		return
	}

	s.log.InfoContext(ctx, "oauth.token.issued", slog.String("client_id", clientID))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(tokenTTL / time.Second),
		RefreshToken: refreshToken,
		Scope:        scope,
	})
}

// handleRevoke marks a matching access or refresh token revoked. The response
// reports success whether or not a match was found so callers cannot probe
// token validity.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Missing token parameter")
		return
	}

	revoked, err := s.tokens.RevokeToken(ctx, token)
	if err != nil {
		s.serverError(ctx, w, "oauth.revoke.fail", err)
		return
	}
	s.log.InfoContext(ctx, "oauth.revoke.done", slog.Bool("matched", revoked))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// clientRegistration is the dynamic client registration request/response
// shape. Registration is stateless: clients are identified but not verified,
// as PKCE carries the actual proof of possession.
type clientRegistration struct {
	ClientID                string   `json:"client_id,omitempty"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req clientRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed registration request")
		return
	}
	if req.ClientName == "" {
		req.ClientName = "MCP Client"
	}
	if req.RedirectURIs == nil {
		req.RedirectURIs = []string{}
	}

	clientID := generateToken()
	s.log.InfoContext(ctx, "oauth.register.ok", slog.String("client_name", req.ClientName))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(clientRegistration{
		ClientID:                clientID,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
	})
}

func (s *Server) serverError(ctx context.Context, w http.ResponseWriter, event string, err error) {
	s.log.ErrorContext(ctx, event, slog.String("err", err.Error()))
	writeOAuthError(w, http.StatusInternalServerError, "server_error", "Internal server error")
}
