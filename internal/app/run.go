package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/logging"
)

const lifecycleTimeout = 30 * time.Second

// Run starts app, blocks until SIGINT or SIGTERM and stops it gracefully
func Run(serviceName string, app *fx.App) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// temporary logger for startup error messages
	tempLogger, err := logging.NewLogger(serviceName, "info")
	if err != nil {
		tempLogger = zap.NewNop()
	}
	tempLogger.Info("starting application...", zap.String("timeout", lifecycleTimeout.String()))

	startCtx, startCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("APPLICATION START TIMEOUT: Failed to start within 30 seconds. This usually means a dependency (Redis, Database or RabbitMQ) is not accessible. Check the error messages above for specific connection failures.")
		}
		panic(err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
	}
}
