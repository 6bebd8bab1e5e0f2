package version

// Build and Commit are injected via -ldflags.
var (
	Build  = "dev"
	Commit = ""
)

// String is the version reported by the controller.
func String() string {
	if Commit == "" {
		return Build
	}
	return Build + "+" + Commit
}
