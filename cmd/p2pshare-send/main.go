// Command p2pshare-send listens for one inbound connection and sends a
// single file to whichever peer connects first.
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
	"github.com/p2pshare/core/pkg/sender"
)

var (
	flagPort       uint16
	flagFile       string
	flagConfigPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "p2pshare-send",
	Short: "Send a file to a single peer over an encrypted TCP connection",
	RunE:  runSend,
}

func init() {
	rootCmd.Flags().Uint16VarP(&flagPort, "port", "p", 0, "listen port (0 = OS-assigned)")
	rootCmd.Flags().StringVarP(&flagFile, "file", "f", "", "path of the file to send")
	rootCmd.Flags().StringVar(&flagConfigPath, "config", "", "optional TOML config file")
	rootCmd.MarkFlagRequired("file")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := sender.New(cfg.Transfer, logger)
	port, err := s.Start(ctx, flagPort, flagFile)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	m := s.Manifest()
	fmt.Printf("listening on port %d\n", port)
	fmt.Printf("file: %s (%d bytes, %d chunks)\n", m.FileName, m.FileSize, m.ChunkCount)
	fmt.Printf("transfer id: %s\n", m.TransferID)

	go reportProgress(ctx, func() string {
		snap := s.Progress()
		return fmt.Sprintf("%s: %.1f%% (%d/%d chunks, %.0f B/s)",
			snap.FileName, snap.Percent, snap.ChunksDone, snap.ChunksTotal, snap.SpeedBps)
	})

	if err := s.ServeOne(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	fmt.Println("transfer complete")
	return nil
}

func reportProgress(ctx context.Context, line func() string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Println(line())
		}
	}
}
