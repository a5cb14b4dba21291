package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"codeforge/internal/gateway/app"
	"codeforge/internal/gateway/config"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serveCmd hands its arguments to config.Load so -port keeps working the
// same way as the environment.
var serveCmd = &cobra.Command{
	Use:                "serve [-port :8081]",
	Short:              "Start the HTTP and WebSocket API",
	DisableFlagParsing: true,
	RunE:               runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	log.Printf("codeforge serving on %s (env=%s, llm=%s)", cfg.Port, cfg.Env, cfg.LLM.Provider)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("Server exiting")
	return nil
}
