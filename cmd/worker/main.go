package main

import (
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/septivank/power-token-tracker/internal/app"
	"github.com/septivank/power-token-tracker/internal/config"
)

func main() {
	app.LoadEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("invalid configuration:", err)
		os.Exit(1)
	}
	if cfg.Broker.Backend == config.BrokerLocal {
		fmt.Println("BROKER_BACKEND=local: no foreground can reach this worker, snapshots come only from the local store if LOCAL_SNAPSHOT_FALLBACK=true")
	}

	app.Run(cfg.ServiceName, fx.New(
		fx.Supply(cfg),
		app.Core,
		app.Background,
	))
}
