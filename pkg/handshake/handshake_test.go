package handshake

import (
	"net"
	"testing"

	"github.com/p2pshare/core/pkg/xcrypto"
)

func TestPerformDerivesMatchingKey(t *testing.T) {
	senderConn, receiverConn := net.Pipe()
	defer senderConn.Close()
	defer receiverConn.Close()

	senderKeyCh := make(chan *xcrypto.AEADKey, 1)
	senderErrCh := make(chan error, 1)
	go func() {
		k, err := Perform(senderConn, true)
		senderKeyCh <- k
		senderErrCh <- err
	}()

	receiverKey, err := Perform(receiverConn, false)
	if err != nil {
		t.Fatalf("Perform(receiver): %v", err)
	}

	senderKey := <-senderKeyCh
	if err := <-senderErrCh; err != nil {
		t.Fatalf("Perform(sender): %v", err)
	}

	if senderKey == nil || receiverKey == nil {
		t.Fatalf("Perform returned nil key")
	}
	if *senderKey != *receiverKey {
		t.Fatalf("derived keys disagree: %x != %x", *senderKey, *receiverKey)
	}
}
