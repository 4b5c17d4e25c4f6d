package version

// Flag marks development builds, eg. "develop". It must be empty on release
// branches.
const Flag = ""

var (
	// Version is the full version string.
	Version = "0.1.0"

	// GitCommit is set with --ldflags "-X
	// github.com/pombredanne/sugar-network-backend-sub001/src/version.GitCommit=$(git rev-parse HEAD)"
	GitCommit string
)

func init() {
	if Flag != "" {
		Version += "-" + Flag
	}

	if len(GitCommit) >= 8 {
		Version += "-" + GitCommit[:8]
	}
}
