package api

import (
	"net/http"

	"relay-fleet/pkg/deploy"
	"relay-fleet/pkg/model"
)

func (s *Server) startDeployment(w http.ResponseWriter, r *http.Request) {
	var spec deploy.DeploySpec
	if !decode(w, r, &spec) {
		return
	}
	id, err := s.Deployer.Start(spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}

func (s *Server) listDeployments(w http.ResponseWriter, _ *http.Request) {
	jobs := s.Deployer.Jobs()
	out := make([]model.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Tail(jobLogView))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deployment(w http.ResponseWriter, r *http.Request) {
	j, ok := s.Deployer.Progress(r.PathValue("id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, j.Tail(jobLogView))
}

func (s *Server) validateDeployment(w http.ResponseWriter, r *http.Request) {
	var spec deploy.DeploySpec
	if !decode(w, r, &spec) {
		return
	}
	p, err := s.Deployer.Validate(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deploymentLogs(w http.ResponseWriter, r *http.Request) {
	j, ok := s.Deployer.Progress(r.PathValue("id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	s.hub.Serve(w, r, j)
}
