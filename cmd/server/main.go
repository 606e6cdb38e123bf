package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taleforge",
	Short: "Personalized children's book generation service",
	Long: `Taleforge turns a child's photo and a book template into a personalized
picture book.

Commands:
  serve       HTTP API, live progress websocket and (by default) the workers
  worker      task workers only
  purge-jobs  delete every job and ledger row`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, purgeCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
