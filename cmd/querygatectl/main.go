package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/querygate/querygate/internal/cli/querygatectl"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := querygatectl.Run(ctx, os.Args[1:], querygatectl.Options{
		BaseURL: os.Getenv("QUERYGATE_BASE_URL"),
		APIKey:  os.Getenv("QUERYGATE_API_KEY"),
		Session: os.Getenv("QUERYGATE_SESSION"),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	})
	os.Exit(code)
}
