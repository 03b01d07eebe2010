package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/daemon"
	"github.com/matheus3301/msgsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fatal(err)
	}

	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}
	if err := config.ApplyEnv(cfg, session.EnvPath()); err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile, Config: cfg}),
	)

	app.Run()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
