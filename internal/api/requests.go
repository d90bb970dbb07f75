package api

// CreateProjectRequest is the body of POST /api/v1/projects.
type CreateProjectRequest struct {
	Name    string `json:"name" binding:"required"`
	RepoURL string `json:"repo_url"`
}

// StopResponse is the body of POST /api/v1/projects/:projectId/stop.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// CleanupResponse is the body of POST /api/v1/reaper/cleanup.
type CleanupResponse struct {
	Paused     int `json:"paused"`
	Terminated int `json:"terminated"`
}
