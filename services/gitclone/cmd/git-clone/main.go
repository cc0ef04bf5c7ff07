package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"collabmgr/services/gitclone"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "git-clone").Logger()

	repos, err := gitclone.Decode(os.Getenv(gitclone.EnvRepositories))
	if err != nil {
		os.Stdout.WriteString(gitclone.Marker(gitclone.TokenFailure) + "\n")
		logger.Fatal().Err(err).Msg("read repositories")
	}

	root := os.Getenv("WORKSPACE_ROOT")
	if root == "" {
		root = "/models"
	}

	cloner := &gitclone.Cloner{
		Root:   root,
		Run:    gitclone.ExecRunner(os.Stderr),
		Out:    os.Stdout,
		Logger: logger,
	}
	if err := cloner.CloneAll(ctx, repos); err != nil {
		os.Exit(1)
	}
}
