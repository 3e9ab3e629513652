package cli

import (
	"os"

	"github.com/iotistica/iotistic-agent/internal/daemon"
	"github.com/iotistica/iotistic-agent/internal/infra/sqlite"
)

// openStore opens the agent's persistent store at $AGENT_HOME for
// subcommands that need it without standing up the full daemon.
func openStore() (*sqlite.DB, error) {
	home := daemon.AgentHome()
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	return sqlite.Open(home)
}
