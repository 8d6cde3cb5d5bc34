package version

const (
	CLIName = "txpilot"
	Version = "0.3.0"
)
