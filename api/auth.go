package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"knxlink/config"
)

const (
	sessionName    = "knxlink_session"
	sessionUserKey = "username"
	sessionRoleKey = "role"
)

// principal is the authenticated caller.
type principal struct {
	User string
	Role string
}

type principalKey struct{}

// sessionStore holds cookie sessions created by POST /login.
type sessionStore struct {
	store *sessions.CookieStore
}

// newSessionStore creates a store keyed by secret, or by a random key when
// the secret is missing or too short.
func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}

	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: store}
}

// get ignores decode errors from stale cookies; the returned session is
// always usable.
func (s *sessionStore) get(r *http.Request) *sessions.Session {
	session, _ := s.store.Get(r, sessionName)
	return session
}

func (s *sessionStore) getUser(r *http.Request) (username, role string, ok bool) {
	session := s.get(r)
	user, uok := session.Values[sessionUserKey].(string)
	role, rok := session.Values[sessionRoleKey].(string)
	if !uok || !rok || user == "" {
		return "", "", false
	}
	return user, role, true
}

func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, username, role string) error {
	session := s.get(r)
	session.Values[sessionUserKey] = username
	session.Values[sessionRoleKey] = role
	return session.Save(r, w)
}

func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	delete(session.Values, sessionUserKey)
	delete(session.Values, sessionRoleKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// checkPassword verifies a password against a bcrypt hash.
func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword generates a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// authenticator checks callers against the configured API users.
type authenticator struct {
	cfg      *config.Config
	sessions *sessionStore
}

// lookup returns the user's role if the credentials match.
func (a *authenticator) lookup(username, password string) (string, bool) {
	a.cfg.Lock()
	user := a.cfg.FindWebUser(username)
	var hash, role string
	if user != nil {
		hash, role = user.PasswordHash, user.Role
	}
	a.cfg.Unlock()

	if user == nil || !checkPassword(password, hash) {
		return "", false
	}
	return role, true
}

func (a *authenticator) open() bool {
	a.cfg.Lock()
	defer a.cfg.Unlock()
	return len(a.cfg.Web.Users) == 0
}

// middleware admits session holders and Basic auth callers. With no users
// configured the API is open and every caller is an admin.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p principal
		switch {
		case a.open():
			p = principal{Role: config.RoleAdmin}
		default:
			if user, role, ok := a.sessions.getUser(r); ok {
				p = principal{User: user, Role: role}
				break
			}
			username, password, ok := r.BasicAuth()
			role, valid := a.lookup(username, password)
			if !ok || !valid {
				w.Header().Set("WWW-Authenticate", `Basic realm="knxlink"`)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			p = principal{User: username, Role: role}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// requireAdmin rejects viewers.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := r.Context().Value(principalKey{}).(principal)
		if p.Role != config.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (a *authenticator) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	role, ok := a.lookup(req.Username, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err := a.sessions.setUser(w, r, req.Username, role); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, loginResponse{Username: req.Username, Role: role})
}

func (a *authenticator) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.sessions.clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}
