// Package auth resolves the participant identity attached to presence
// messages: an OIDC session in production, a fixed dev identity otherwise.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/sessions"
)

type contextKey string

const (
	identityContextKey contextKey = "auth.identity"

	sessionUserID   = "user_id"
	sessionUserName = "user_name"
)

// Identity is the user behind a connection.
type Identity struct {
	UserID string
	Name   string
}

type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	SessionKey   string
	SessionTTL   time.Duration
	CookieSecure bool
	FallbackURL  string
}

// Enabled reports whether OIDC is configured.
func (c Config) Enabled() bool {
	return c.IssuerURL != ""
}

type Manager struct {
	oidcConfig    *baseliboidc.OidcConfiguration
	sessionStore  *sessions.CookieStore
	cookieOptions *sessions.Options
	fallbackURL   string
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc issuer, client id, and redirect url are required")
	}
	masterKey, err := parseSessionKey(cfg.SessionKey)
	if err != nil {
		return nil, err
	}
	hashKey, blockKey := deriveCookieKeys(masterKey)
	store := sessions.NewCookieStore(hashKey, blockKey)
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.FallbackURL == "" {
		cfg.FallbackURL = "/"
	}
	options := &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	store.Options = options
	store.MaxAge(options.MaxAge)

	return &Manager{
		oidcConfig:    baseliboidc.CreateOidcConfiguration(cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL),
		sessionStore:  store,
		cookieOptions: options,
		fallbackURL:   cfg.FallbackURL,
	}, nil
}

// Middleware redirects unauthenticated requests into the OIDC flow, except
// those accepted by skipper.
func (m *Manager) Middleware(skipper func(r *http.Request) bool) func(http.Handler) http.Handler {
	return m.oidcConfig.CreateOidcAuthenticationMiddleware(m.IsAuthenticated, skipper)
}

func (m *Manager) CallbackHandler() http.Handler {
	delegate := baseliboidc.CreateSTDSessionBasedOidcDelegate(m.handleIDToken, m.fallbackURL)
	return m.oidcConfig.CreateOidcCallbackHandler(delegate)
}

func (m *Manager) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
		if err == nil {
			session.Options = cloneOptions(m.cookieOptions)
			session.Options.MaxAge = -1
			_ = session.Save(r, w)
		}
		http.Redirect(w, r, m.fallbackURL, http.StatusFound)
	}
}

// WithIdentity puts the session identity, if any, into the request context.
func (m *Manager) WithIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := m.identityFromSession(r); ok {
			r = r.WithContext(ContextWithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) IsAuthenticated(r *http.Request) bool {
	_, ok := m.identityFromSession(r)
	return ok
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	if id.Name == "" {
		id.Name = id.UserID
	}
	return context.WithValue(ctx, identityContextKey, id)
}

// DevIdentityMiddleware assigns an identity without authentication. A "user"
// query parameter overrides userID so several local clients can be told
// apart.
func DevIdentityMiddleware(userID string) func(http.Handler) http.Handler {
	if userID == "" {
		userID = "dev-user"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := Identity{UserID: userID}
			if override := strings.TrimSpace(r.URL.Query().Get("user")); override != "" {
				id.UserID = override
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

func (m *Manager) handleIDToken(w http.ResponseWriter, r *http.Request, idToken *oidc.IDToken) error {
	var claims struct {
		Subject           string `json:"sub"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return err
	}
	if claims.Subject == "" {
		return errors.New("id token missing sub claim")
	}
	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return err
	}
	session.Options = cloneOptions(m.cookieOptions)
	session.Values[sessionUserID] = claims.Subject
	session.Values[sessionUserName] = name
	return session.Save(r, w)
}

func (m *Manager) identityFromSession(r *http.Request) (Identity, bool) {
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return Identity{}, false
	}
	userID, _ := session.Values[sessionUserID].(string)
	if userID == "" {
		return Identity{}, false
	}
	name, _ := session.Values[sessionUserName].(string)
	if name == "" {
		name = userID
	}
	return Identity{UserID: userID, Name: name}, true
}

func parseSessionKey(raw string) ([]byte, error) {
	if raw == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	trimmed := strings.TrimSpace(raw)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		if len(decoded) < 32 {
			return nil, errors.New("session key must decode to at least 32 bytes")
		}
		return decoded, nil
	}
	if len(trimmed) < 32 {
		return nil, errors.New("session key must be at least 32 characters or base64")
	}
	return []byte(trimmed), nil
}

func deriveCookieKeys(masterKey []byte) ([]byte, []byte) {
	return hmacSHA256(masterKey, []byte("auth")), hmacSHA256(masterKey, []byte("enc"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func cloneOptions(opts *sessions.Options) *sessions.Options {
	if opts == nil {
		return &sessions.Options{}
	}
	clone := *opts
	return &clone
}
