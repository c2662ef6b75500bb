// Command p2pshare-recv dials a sender's listening endpoint and downloads
// the file it offers into a local directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p2pshare/core/pkg/config"
	"github.com/p2pshare/core/pkg/receiver"
)

var (
	flagAddr       string
	flagPort       uint16
	flagOutDir     string
	flagTransferID string
	flagRecvConfig string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "p2pshare-recv",
	Short: "Receive a file from a sender's listening endpoint",
	RunE:  runRecv,
}

func init() {
	rootCmd.Flags().StringVar(&flagAddr, "addr", "127.0.0.1", "sender address")
	rootCmd.Flags().Uint16VarP(&flagPort, "port", "p", 0, "sender port")
	rootCmd.Flags().StringVarP(&flagOutDir, "out", "o", ".", "output directory")
	rootCmd.Flags().StringVar(&flagTransferID, "transfer-id", "", "expected transfer id (optional)")
	rootCmd.Flags().StringVar(&flagRecvConfig, "config", "", "optional TOML config file")
	rootCmd.MarkFlagRequired("port")
}

func runRecv(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagRecvConfig)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := receiver.New(cfg.Transfer, logger)

	resultCh := make(chan struct {
		path string
		err  error
	}, 1)
	go func() {
		path, err := r.Run(ctx, receiver.Options{
			Addr:               flagAddr,
			Port:               flagPort,
			OutputDir:          flagOutDir,
			ExpectedTransferID: flagTransferID,
		})
		resultCh <- struct {
			path string
			err  error
		}{path, err}
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case res := <-resultCh:
			if res.err != nil {
				return fmt.Errorf("receive: %w", res.err)
			}
			fmt.Printf("saved to %s\n", res.path)
			return nil
		case <-ticker.C:
			snap := r.Progress()
			if snap.FileName != "" {
				fmt.Printf("%s: %.1f%% (%d/%d chunks, %.0f B/s)\n",
					snap.FileName, snap.Percent, snap.ChunksDone, snap.ChunksTotal, snap.SpeedBps)
			}
		}
	}
}
