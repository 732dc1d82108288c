package api

// LaunchRunRequest starts a managed task.
type LaunchRunRequest struct {
	AppID int64  `json:"appId" binding:"required"`
	Type  string `json:"type" binding:"required"`
}

// SweepRequest supplies the live app-id set for an orphan GC sweep.
type SweepRequest struct {
	LiveAppIDs []int64 `json:"liveAppIds"`
}

// ForceMetaRequest force-overwrites the durable run record.
type ForceMetaRequest struct {
	AppID    int64  `json:"appId" binding:"required"`
	Type     string `json:"type" binding:"required"`
	PID      *int64 `json:"pid"`
	ExitCode *int   `json:"exitCode"`
	LogPath  string `json:"logPath"`
}
