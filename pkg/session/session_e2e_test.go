package session_test

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/p2pshare/core/pkg/config"
	"github.com/p2pshare/core/pkg/receiver"
	"github.com/p2pshare/core/pkg/sender"
)

func TestEndToEndTransfer(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "payload.bin")
	data := make([]byte, 700000)
	for i := range data {
		data[i] = byte(i * 31)
	}
	if err := os.WriteFile(srcPath, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Default().Transfer
	cfg.ChunkSize = 65536

	logger := config.NewLogger(config.LoggingConfig{Level: "error"}, os.Stderr)

	snd := sender.New(cfg, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	port, err := snd.Start(ctx, 0, srcPath)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- snd.ServeOne(ctx)
	}()

	outDir := filepath.Join(dir, "out")
	if err := os.Mkdir(outDir, 0o700); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	rcv := receiver.New(cfg, logger)
	outPath, err := rcv.Run(ctx, receiver.Options{
		Addr:               "127.0.0.1",
		Port:               port,
		OutputDir:          outDir,
		ExpectedTransferID: snd.Manifest().TransferID,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := <-serveErrCh; err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile(out): %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("output length = %d, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("output mismatch at byte %d", i)
		}
	}
}

func TestEndToEndTransferIDMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(srcPath, []byte("hello world"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Default().Transfer
	logger := config.NewLogger(config.LoggingConfig{Level: "error"}, os.Stderr)

	snd := sender.New(cfg, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	port, err := snd.Start(ctx, 0, srcPath)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	go snd.ServeOne(ctx)

	outDir := filepath.Join(dir, "out")
	if err := os.Mkdir(outDir, 0o700); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	rcv := receiver.New(cfg, logger)
	_, err = rcv.Run(ctx, receiver.Options{
		Addr:               "127.0.0.1",
		Port:               port,
		OutputDir:          outDir,
		ExpectedTransferID: "not-the-real-id",
	})
	if err == nil {
		t.Fatalf("Run succeeded despite transfer id mismatch")
	}
}

// flippingProxy relays bytes between a single dialer and the sender,
// flipping exactly one bit of the sender->receiver stream the first time
// enough bytes have passed through, to simulate a corrupted chunk response
// frame in transit.
func flippingProxy(t *testing.T, senderAddr string, flipAfter int) (proxyPort uint16) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go func() {
		clientConn, err := listener.Accept()
		if err != nil {
			return
		}
		defer listener.Close()
		defer clientConn.Close()

		upstream, err := net.Dial("tcp", senderAddr)
		if err != nil {
			return
		}
		defer upstream.Close()

		go io.Copy(upstream, clientConn) // receiver -> sender, unmodified

		var sent atomic.Int64
		buf := make([]byte, 4096)
		flipped := false
		for {
			n, err := upstream.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if !flipped && sent.Load()+int64(n) > int64(flipAfter) {
					offset := int64(flipAfter) - sent.Load()
					if offset < 0 {
						offset = 0
					}
					chunk[offset] ^= 0x01
					flipped = true
				}
				sent.Add(int64(n))
				if _, werr := clientConn.Write(chunk); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

func TestEndToEndSurvivesBitFlipMidStream(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "payload.bin")
	data := make([]byte, 300000)
	for i := range data {
		data[i] = byte(i * 17)
	}
	if err := os.WriteFile(srcPath, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Default().Transfer
	cfg.ChunkSize = 32768
	logger := config.NewLogger(config.LoggingConfig{Level: "error"}, os.Stderr)

	snd := sender.New(cfg, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	senderPort, err := snd.Start(ctx, 0, srcPath)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	go snd.ServeOne(ctx)

	// The pubkey frame (~36 bytes) and the sealed manifest frame (under 1 KiB
	// for a handful of chunk digests) are both well under this offset, so the
	// flip lands inside the first chunk response frame instead of corrupting
	// the handshake or the manifest, which Receiver.Run treats as fatal.
	proxyPort := flippingProxy(t, "127.0.0.1:"+itoa(senderPort), 5000)

	outDir := filepath.Join(dir, "out")
	if err := os.Mkdir(outDir, 0o700); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	rcv := receiver.New(cfg, logger)
	outPath, err := rcv.Run(ctx, receiver.Options{
		Addr:      "127.0.0.1",
		Port:      proxyPort,
		OutputDir: outDir,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile(out): %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("output length = %d, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("output mismatch at byte %d despite retry", i)
		}
	}
}

func itoa(port uint16) string {
	if port == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for port > 0 {
		i--
		digits[i] = byte('0' + port%10)
		port /= 10
	}
	return string(digits[i:])
}

func TestCancellationRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "payload.bin")
	data := make([]byte, 5_000_000)
	if err := os.WriteFile(srcPath, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Default().Transfer
	cfg.ChunkSize = 65536
	logger := config.NewLogger(config.LoggingConfig{Level: "error"}, os.Stderr)

	snd := sender.New(cfg, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	port, err := snd.Start(ctx, 0, srcPath)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	go snd.ServeOne(ctx)

	outDir := filepath.Join(dir, "out")
	if err := os.Mkdir(outDir, 0o700); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	rcv := receiver.New(cfg, logger)
	runErrCh := make(chan error, 1)
	go func() {
		_, err := rcv.Run(ctx, receiver.Options{
			Addr:      "127.0.0.1",
			Port:      port,
			OutputDir: outDir,
		})
		runErrCh <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for rcv.Progress().Percent < 10 {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	rcv.Cancel()

	if err := <-runErrCh; err == nil {
		t.Fatalf("Run succeeded despite cancellation")
	}

	outPath := filepath.Join(outDir, "payload.bin")
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Fatalf("partial output file still exists after cancellation")
	}
}
