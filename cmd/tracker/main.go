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

	options := []fx.Option{
		fx.Supply(cfg),
		app.Core,
		app.Foreground,
	}
	// with the in-process broker nothing outside this process can run the worker
	if cfg.Broker.Backend == config.BrokerLocal {
		options = append(options, app.Background)
	}

	app.Run(cfg.ServiceName, fx.New(options...))
}
