package auth

import (
	"encoding/gob"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
)

func init() {
	gob.Register(time.Time{})
}

const (
	// SessionName is the name of the session cookie.
	SessionName = "custodia_session"
	// StateKey is the session key for OIDC state.
	StateKey = "oidc_state"
	// ActorIDKey is the session key for the authenticated actor.
	ActorIDKey = "actor_id"
	// TenantIDKey is the session key for the actor's tenant.
	TenantIDKey = "tenant_id"
	// RolesKey is the session key for the actor's roles.
	RolesKey = "roles"
	// AuthenticatedAtKey is the session key for when the actor authenticated.
	AuthenticatedAtKey = "authenticated_at"
)

// SessionConfig holds session store configuration.
type SessionConfig struct {
	Secret     []byte
	MaxAge     int  // seconds
	Secure     bool // require HTTPS
	HTTPOnly   bool // prevent JavaScript access
	SameSite   http.SameSite
	CookiePath string
}

// DefaultSessionConfig returns a SessionConfig with secure defaults.
func DefaultSessionConfig(secret []byte, secure bool) SessionConfig {
	return SessionConfig{
		Secret:     secret,
		MaxAge:     8 * 3600,
		Secure:     secure,
		HTTPOnly:   true,
		SameSite:   http.SameSiteLaxMode,
		CookiePath: "/",
	}
}

// SessionStore keeps authenticated principals in signed cookies.
type SessionStore struct {
	store  *sessions.CookieStore
	logger zerolog.Logger
}

// NewSessionStore creates a new session store.
func NewSessionStore(cfg SessionConfig, logger zerolog.Logger) (*SessionStore, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes")
	}

	store := sessions.NewCookieStore(cfg.Secret)
	store.Options = &sessions.Options{
		Path:     cfg.CookiePath,
		MaxAge:   cfg.MaxAge,
		HttpOnly: cfg.HTTPOnly,
		Secure:   cfg.Secure,
		SameSite: cfg.SameSite,
	}

	s := &SessionStore{
		store:  store,
		logger: logger.With().Str("component", "session").Logger(),
	}

	s.logger.Info().
		Bool("secure", cfg.Secure).
		Int("max_age", cfg.MaxAge).
		Msg("session store initialized")

	return s, nil
}

// Get retrieves a session from the request.
func (s *SessionStore) Get(r *http.Request) (*sessions.Session, error) {
	session, err := s.store.Get(r, SessionName)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// Save saves the session to the response.
func (s *SessionStore) Save(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// SetOIDCState stores the OIDC state in the session.
func (s *SessionStore) SetOIDCState(r *http.Request, w http.ResponseWriter, state string) error {
	session, err := s.Get(r)
	if err != nil {
		return err
	}
	session.Values[StateKey] = state
	return s.Save(r, w, session)
}

// GetOIDCState retrieves and clears the OIDC state from the session.
func (s *SessionStore) GetOIDCState(r *http.Request, w http.ResponseWriter) (string, error) {
	session, err := s.Get(r)
	if err != nil {
		return "", err
	}
	state, ok := session.Values[StateKey].(string)
	if !ok {
		return "", fmt.Errorf("no state in session")
	}
	delete(session.Values, StateKey)
	if err := s.Save(r, w, session); err != nil {
		return "", err
	}
	return state, nil
}

// SetPrincipal stores p in the session after successful authentication.
func (s *SessionStore) SetPrincipal(r *http.Request, w http.ResponseWriter, p *Principal) error {
	session, err := s.Get(r)
	if err != nil {
		return err
	}
	session.Values[ActorIDKey] = p.ActorID
	session.Values[TenantIDKey] = p.TenantID
	session.Values[RolesKey] = p.Roles
	session.Values[AuthenticatedAtKey] = p.AuthenticatedAt
	return s.Save(r, w, session)
}

// GetPrincipal retrieves the authenticated principal from the session.
func (s *SessionStore) GetPrincipal(r *http.Request) (*Principal, error) {
	session, err := s.Get(r)
	if err != nil {
		return nil, err
	}

	actorID, ok := session.Values[ActorIDKey].(string)
	if !ok || actorID == "" {
		return nil, ErrUnauthenticated
	}
	tenantID, _ := session.Values[TenantIDKey].(string)
	roles, _ := session.Values[RolesKey].([]string)
	authenticatedAt, _ := session.Values[AuthenticatedAtKey].(time.Time)

	return &Principal{
		ActorID:         actorID,
		TenantID:        tenantID,
		Roles:           roles,
		AuthenticatedAt: authenticatedAt,
	}, nil
}

// Authenticate returns the principal of the request's session.
func (s *SessionStore) Authenticate(r *http.Request) (*Principal, error) {
	return s.GetPrincipal(r)
}

// TenantClaim returns the tenant bound to the request's session.
func (s *SessionStore) TenantClaim(r *http.Request) (string, bool) {
	p, err := s.GetPrincipal(r)
	if err != nil || p.TenantID == "" {
		return "", false
	}
	return p.TenantID, true
}

// ClearPrincipal removes the principal from the session (logout).
func (s *SessionStore) ClearPrincipal(r *http.Request, w http.ResponseWriter) error {
	session, err := s.Get(r)
	if err != nil {
		return err
	}
	delete(session.Values, ActorIDKey)
	delete(session.Values, TenantIDKey)
	delete(session.Values, RolesKey)
	delete(session.Values, AuthenticatedAtKey)
	// Set MaxAge to -1 to delete the cookie
	session.Options.MaxAge = -1
	return s.Save(r, w, session)
}
