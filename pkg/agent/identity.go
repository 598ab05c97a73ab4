package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Identity environment keys. An env file (typically dropped next to
// the agent by the install tooling) can supply either; real process
// environment always wins.
const (
	EnvNodeID    = "HELMSMAN_NODE_ID"
	EnvServerURL = "HELMSMAN_SERVER_URL"
)

// ResolveIdentity determines the agent's node id and server URL.
//
// Sources, in precedence order: explicit values passed in, process
// environment, the env file. The node id additionally falls back to the
// hostname, so a stock install only has to configure the server URL.
func ResolveIdentity(nodeID, serverURL, envFile string) (string, string, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			// godotenv.Load never overrides variables already set.
			if err := godotenv.Load(envFile); err != nil {
				return "", "", fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
	}

	if strings.TrimSpace(nodeID) == "" {
		nodeID = os.Getenv(EnvNodeID)
	}
	if strings.TrimSpace(nodeID) == "" {
		host, err := os.Hostname()
		if err != nil {
			return "", "", fmt.Errorf("resolve node id: %w", err)
		}
		nodeID = host
	}

	if strings.TrimSpace(serverURL) == "" {
		serverURL = os.Getenv(EnvServerURL)
	}
	if strings.TrimSpace(serverURL) == "" {
		return "", "", fmt.Errorf("server url is not configured (set %s or pass --server-url)", EnvServerURL)
	}

	return nodeID, serverURL, nil
}
