package api

import (
	"net/http"
	"strconv"
	"strings"

	"relay-fleet/pkg/model"
	"relay-fleet/pkg/registry"
)

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.NodeFilter{Status: q.Get("status"), Region: q.Get("region")}
	if h := q.Get("health"); h != "" {
		f.Healths = strings.Split(h, ",")
	}
	nodes, err := s.Registry.List(f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	var spec registry.NodeSpec
	if !decode(w, r, &spec) {
		return
	}
	n, err := s.Registry.Create(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.Registry.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) updateNode(w http.ResponseWriter, r *http.Request) {
	var patch registry.NodePatch
	if !decode(w, r, &patch) {
		return
	}
	n, err := s.Registry.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// deleteNode migrates assigned users first unless ?migrate=false.
func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	migrate := true
	if v, err := strconv.ParseBool(r.URL.Query().Get("migrate")); err == nil {
		migrate = v
	}
	if err := s.Registry.Delete(r.Context(), r.PathValue("id"), migrate); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) testNode(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.TestConnection(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) nodeStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Registry.NodeStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) recountNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.Registry.RecomputeStats(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"currentUsers": n})
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) {
	loads, err := s.Registry.LoadStats()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loads)
}

func (s *Server) provisionNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port int    `json:"port"`
		SNI  string `json:"sni"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	n, err := s.Registry.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	created, err := s.Provisioner.EnsureExists(r.Context(), n, req.Port, req.SNI)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"created": created})
}

func (s *Server) migrateNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Registry.Get(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Placement.MigrateNode(r.Context(), id, model.ReasonMigration))
}

func (s *Server) checkNode(w http.ResponseWriter, r *http.Request) {
	res, err := s.Monitor.CheckOne(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) revokeClient(w http.ResponseWriter, r *http.Request) {
	inboundID, err := strconv.Atoi(r.URL.Query().Get("inboundId"))
	if err != nil || inboundID <= 0 {
		http.Error(w, "inboundId is required", http.StatusBadRequest)
		return
	}
	n, err := s.Registry.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Provisioner.RevokeClient(r.Context(), n, inboundID, r.PathValue("clientId")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) healthReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Monitor.Report()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	results, err := s.Monitor.CheckAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
