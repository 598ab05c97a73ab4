package handlers

import "net/http"

// VersionInfo is the build identity baked in at link time.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
}

var versionInfo = VersionInfo{Version: "dev"}

// SetVersionInfo records the build identity served by /version.
func SetVersionInfo(info VersionInfo) {
	if info.Version == "" {
		info.Version = "dev"
	}
	versionInfo = info
}

// VersionHandler serves the build identity.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionInfo)
}
