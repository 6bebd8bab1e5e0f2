package api

import (
	"net/http"
	"strconv"
	"strings"

	"relay-fleet/pkg/placement"
)

func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"userId"`
		Region string `json:"region"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	sel, err := s.Placement.Assign(r.Context(), req.UserID, req.Region)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) currentAssignment(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUserID(w, r)
	if !ok {
		return
	}
	a, found, err := s.Placement.Current(uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		s.fail(w, r, placement.ErrNoAssignment)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) rebalance(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Placement.Rebalance(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) switchLog(w http.ResponseWriter, r *http.Request) {
	var uid int64
	if v := r.URL.Query().Get("userId"); v != "" {
		var err error
		if uid, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, "invalid userId", http.StatusBadRequest)
			return
		}
	}
	entries, err := s.Placement.History(uid, queryInt(r, "limit", defaultLimit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// issueClient creates a panel client for the user on the node the user is
// currently assigned to.
func (s *Server) issueClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"userId"`
		Email  string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, found, err := s.Placement.Current(req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		s.fail(w, r, placement.ErrNoAssignment)
		return
	}
	n, err := s.Registry.Get(a.NodeID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	access, err := s.Provisioner.IssueClient(r.Context(), n, req.UserID, req.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, access)
}

func (s *Server) countries(w http.ResponseWriter, r *http.Request) {
	list, err := s.Registry.AvailableCountries()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) country(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(r.PathValue("code"))
	ok, err := s.Registry.CountryAvailable(code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": code, "available": ok})
}
