package config

import (
	"os"
	"strings"
)

// DeploymentMode represents the deployment context
type DeploymentMode string

const (
	// ModeDevelopment: local docker-compose services, .env defaults accepted
	ModeDevelopment DeploymentMode = "development"
	// ModeProduction: remote services, credentials from the environment
	ModeProduction DeploymentMode = "production"
	// ModeCI: like production but localhost services are expected
	ModeCI DeploymentMode = "ci"
)

// DetectMode determines the deployment context from the environment
func DetectMode() DeploymentMode {
	if mode := os.Getenv("RETAILGRAPH_MODE"); mode != "" {
		switch strings.ToLower(mode) {
		case "development", "dev":
			return ModeDevelopment
		case "production", "prod":
			return ModeProduction
		case "ci":
			return ModeCI
		}
	}

	for _, envVar := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "BUILDKITE", "JENKINS_URL"} {
		if os.Getenv(envVar) != "" {
			return ModeCI
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		return ModeDevelopment
	}
	if _, err := os.Stat("go.mod"); err == nil {
		return ModeDevelopment
	}
	return ModeProduction
}

func (m DeploymentMode) String() string {
	return string(m)
}

// RequiresSecureCredentials reports whether default passwords are rejected
func (m DeploymentMode) RequiresSecureCredentials() bool {
	return m == ModeProduction || m == ModeCI
}

// RequiresRemoteServices reports whether localhost endpoints are rejected
func (m DeploymentMode) RequiresRemoteServices() bool {
	return m == ModeProduction
}
