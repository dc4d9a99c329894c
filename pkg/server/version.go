package server

// Version is the worldtune version.
// Set at build time with: go build -ldflags "-X github.com/crystal-mush/worldtune/pkg/server.Version=0.3.0"
var Version = "0.3.0"

// VersionString returns the name and version for banners and /health.
func VersionString() string {
	return "worldtune " + Version
}
