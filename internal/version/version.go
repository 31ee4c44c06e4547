package version

// Set via -ldflags at release time; zero values mean a local build.
var (
	// Release is the semantic version tag, e.g. "0.4.1".
	Release = "dev"
	// Commit is the short git hash the binary was built from.
	Commit = ""
)

// String returns the version line printed by -version and logged at startup.
func String() string {
	if Commit == "" {
		return Release
	}
	return Release + "+" + Commit
}
