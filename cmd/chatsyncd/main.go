package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mychat/chatsync/internal/backend"
	"github.com/mychat/chatsync/internal/client"
	"github.com/mychat/chatsync/internal/config"
	"github.com/mychat/chatsync/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var tick time.Duration
	if cfg, err := config.Load(profile.ConfigPath()); err == nil {
		tick = cfg.OutboxTick()
	}

	// Standalone runs use the in-process backend; embedders supply their own.
	mem := backend.NewMemory()

	app := fx.New(
		client.Module(client.Params{
			ProfileName: profileName,
			Backend:     mem,
			Uploader:    mem,
			OutboxTick:  tick,
		}),
	)

	app.Run()
}
