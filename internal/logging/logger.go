package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New creates a structured zerolog.Logger for the agent. The pull request
// and workflow identifiers are attached when known so that control-plane
// side log aggregation can correlate agents.
func New(level, pullRequestID, workflowID string) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp().Str("service", "kittengrid-agent")

	if pullRequestID != "" {
		ctx = ctx.Str("pull_request", pullRequestID)
	}
	if workflowID != "" {
		ctx = ctx.Str("workflow", workflowID)
	}

	logger := ctx.Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return logger.Level(lvl)
}
