package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/auth"
	"relay-fleet/pkg/deploy"
	"relay-fleet/pkg/health"
	"relay-fleet/pkg/keys"
	"relay-fleet/pkg/panel"
	"relay-fleet/pkg/placement"
	"relay-fleet/pkg/provision"
	"relay-fleet/pkg/registry"
	"relay-fleet/pkg/remote"
	"relay-fleet/pkg/store"
	"relay-fleet/pkg/version"
)

const (
	maxBody      = 1 << 20
	jobLogView   = 50
	defaultLimit = 100
)

// Deps are the components the API exposes. Users and Signer are optional;
// without them only the static token protects the API.
type Deps struct {
	Registry    *registry.Registry
	Placement   *placement.Engine
	Provisioner *provision.Provisioner
	Monitor     *health.Monitor
	Deployer    *deploy.Orchestrator
	Users       store.Users
	Signer      *auth.Signer
	Token       string
	Log         *log.Logger
}

type Server struct {
	Deps
	hub *JobHub
}

func NewServer(d Deps) *Server {
	s := &Server{Deps: d, hub: NewJobHub(d.Log)}
	if d.Deployer != nil {
		s.hub.Attach(d.Deployer)
	}
	return s
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version.String()})
	})
	if s.Users != nil && s.Signer != nil {
		(&AuthHandler{Users: s.Users, Signer: s.Signer, Log: s.Log}).RegisterRoutes(mux)
	}

	mux.HandleFunc("GET /api/v1/nodes", s.guard(s.listNodes))
	mux.HandleFunc("POST /api/v1/nodes", s.guard(s.createNode))
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.guard(s.getNode))
	mux.HandleFunc("PUT /api/v1/nodes/{id}", s.guard(s.updateNode))
	mux.HandleFunc("DELETE /api/v1/nodes/{id}", s.guard(s.deleteNode))
	mux.HandleFunc("POST /api/v1/nodes/{id}/test", s.guard(s.testNode))
	mux.HandleFunc("GET /api/v1/nodes/{id}/stats", s.guard(s.nodeStats))
	mux.HandleFunc("POST /api/v1/nodes/{id}/recount", s.guard(s.recountNode))
	mux.HandleFunc("POST /api/v1/nodes/{id}/provision", s.guard(s.provisionNode))
	mux.HandleFunc("POST /api/v1/nodes/{id}/migrate", s.guard(s.migrateNode))
	mux.HandleFunc("POST /api/v1/nodes/{id}/check", s.guard(s.checkNode))
	mux.HandleFunc("DELETE /api/v1/nodes/{id}/clients/{clientId}", s.guard(s.revokeClient))
	mux.HandleFunc("GET /api/v1/load", s.guard(s.load))

	mux.HandleFunc("POST /api/v1/placement", s.guard(s.assign))
	mux.HandleFunc("GET /api/v1/placement/{userId}", s.guard(s.currentAssignment))
	mux.HandleFunc("POST /api/v1/rebalance", s.guard(s.rebalance))
	mux.HandleFunc("GET /api/v1/switch-log", s.guard(s.switchLog))
	mux.HandleFunc("POST /api/v1/clients", s.guard(s.issueClient))
	mux.HandleFunc("GET /api/v1/countries", s.guard(s.countries))
	mux.HandleFunc("GET /api/v1/countries/{code}", s.guard(s.country))

	mux.HandleFunc("GET /api/v1/health", s.guard(s.healthReport))
	mux.HandleFunc("POST /api/v1/health/check", s.guard(s.healthCheck))

	mux.HandleFunc("POST /api/v1/deployments", s.guard(s.startDeployment))
	mux.HandleFunc("GET /api/v1/deployments", s.guard(s.listDeployments))
	mux.HandleFunc("POST /api/v1/deployments/validate", s.guard(s.validateDeployment))
	mux.HandleFunc("GET /api/v1/deployments/{id}", s.guard(s.deployment))
	mux.HandleFunc("GET /api/v1/deployments/{id}/ws", s.guard(s.deploymentLogs))
}

func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// authorized accepts the static token (X-Auth-Token or Bearer) or a valid
// JWT. The token query parameter serves websocket clients that cannot set
// headers. With neither a token nor accounts configured the API is open.
func (s *Server) authorized(r *http.Request) bool {
	if s.Token == "" && s.Signer == nil {
		return true
	}
	candidates := []string{r.Header.Get("X-Auth-Token"), r.URL.Query().Get("token")}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		candidates = append(candidates, strings.TrimPrefix(authz, "Bearer "))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if s.Token != "" && c == s.Token {
			return true
		}
		if s.Signer != nil {
			if _, err := s.Signer.Parse(c); err == nil {
				return true
			}
		}
	}
	return false
}

// statusFor maps component errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, placement.ErrNoAssignment), errors.Is(err, panel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidNode), errors.Is(err, deploy.ErrInvalidSpec),
		errors.Is(err, placement.ErrUnknownRegion), errors.Is(err, keys.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, placement.ErrNoNodes):
		return http.StatusServiceUnavailable
	case errors.Is(err, remote.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, registry.ErrConnectionFailed), errors.Is(err, panel.ErrUnauthorized),
		errors.Is(err, panel.ErrUnavailable), errors.Is(err, panel.ErrVerificationFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.Log.Warnf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	http.Error(w, err.Error(), code)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("failed to write response: %v", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return def
}

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("userId"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
