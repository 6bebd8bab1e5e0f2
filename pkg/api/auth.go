package api

import (
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"relay-fleet/pkg/auth"
	"relay-fleet/pkg/model"
	"relay-fleet/pkg/store"
)

type AuthHandler struct {
	Users  store.Users
	Signer *auth.Signer
	Log    *log.Logger
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/register", a.handleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
}

// handleRegister only allows the first user to be created (admin).
func (a *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		http.Error(w, "username and a password of at least 8 characters are required", http.StatusBadRequest)
		return
	}
	count, err := a.Users.CountUsers()
	if err != nil {
		http.Error(w, "failed to count users", http.StatusInternalServerError)
		return
	}
	if count > 0 {
		http.Error(w, "registration closed", http.StatusForbidden)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}
	user := model.User{Username: req.Username, PasswordHash: string(hash), IsAdmin: true}
	if err := a.Users.CreateUser(&user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			http.Error(w, "registration closed", http.StatusForbidden)
			return
		}
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}
	a.Log.Infof("operator %s registered", user.Username)
	a.issue(w, user)
}

func (a *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if !decode(w, r, &req) {
		return
	}
	user, ok, err := a.Users.FindUser(req.Username)
	if err != nil {
		http.Error(w, "failed to load user", http.StatusInternalServerError)
		return
	}
	if !ok || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := a.Users.TouchLogin(user.ID, time.Now()); err != nil {
		a.Log.Warnf("record login of %s: %v", user.Username, err)
	}
	a.issue(w, user)
}

func (a *AuthHandler) issue(w http.ResponseWriter, user model.User) {
	token, err := a.Signer.Generate(user.ID, user.Username, user.IsAdmin)
	if err != nil {
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
