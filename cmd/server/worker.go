package main

import (
	"github.com/spf13/cobra"

	ws "github.com/taleforge/api/internal/websocket"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run task workers without the HTTP API",
	Long: `Run the analysis, background and render workers.

Progress events are published on Redis for the API process to relay to
websocket clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newStack(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		stop, err := a.startWorkers(ws.NewRedisPublisher(a.redis, a.log))
		if err != nil {
			return err
		}
		defer stop()

		<-ctx.Done()
		a.log.Info().Msg("Shutting down workers...")
		return nil
	},
}
