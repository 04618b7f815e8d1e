package enums

import "strings"

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

func ParseEnvironment(raw string) (Environment, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return EnvironmentProduction, true
	case "sandbox", "xcode":
		return EnvironmentSandbox, true
	default:
		return "", false
	}
}
