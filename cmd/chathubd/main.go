package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/assistant-support/chathub/internal/config"
	"github.com/assistant-support/chathub/internal/daemon"
)

func main() {
	dataFlag := flag.String("data", "", "data directory (default ~/.chathub)")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	dataDir := *dataFlag
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: dataDir, Listen: *listenFlag}),
	)

	app.Run()
}
