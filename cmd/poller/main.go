package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/septivank/water-iot-poller/internal/config"
	"go.uber.org/fx"
)

func main() {
	loadDotEnv()

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideDBPool,
			ProvideRepository,
			ProvideMQConnection,
			ProvidePublisher,
			ProvideSession,
			ProvideClient,
			ProvideService,
		),
		fx.Invoke(startPoller),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start covers the credential bootstrap (possibly an interactive login)
	// plus the discovery walk, so it gets a generous timeout.
	startCtx, startCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			fmt.Fprintln(os.Stderr, "start timed out: check database, broker and vendor login connectivity")
		}
		fmt.Fprintln(os.Stderr, "start failed:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "error stopping app:", err)
	}
}

// loadDotEnv looks for a .env file in the working directory and its parents,
// so the binary behaves the same from the repo root, a bin/ subdirectory or
// a container image. Absence is fine; the environment then stands alone.
func loadDotEnv() {
	paths := []string{".env"}
	if workDir, err := os.Getwd(); err == nil {
		dir := workDir
		for i := 0; i < 3; i++ {
			dir = filepath.Dir(dir)
			paths = append(paths, filepath.Join(dir, ".env"))
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err == nil {
			abs, _ := filepath.Abs(p)
			fmt.Printf("loaded environment from %s\n", abs)
			return
		}
	}
	fmt.Println("no .env file found, using process environment")
}
