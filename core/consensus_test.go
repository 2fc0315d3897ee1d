package core

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestConsensusForwardsHeadersInOrder(t *testing.T) {
	lg := log.New()
	lg.SetLevel(log.ErrorLevel)
	c := NewConsensus(50, lg)

	in := make(chan Header, 4)
	feedback := make(chan Digest, 4)
	out := make(chan Certificate, 4)

	for i := uint64(0); i < 3; i++ {
		var id Digest
		id[0] = byte(i + 1)
		in <- Header{Round: i, ID: id}
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, in, feedback, out) }()

	for i := uint64(0); i < 3; i++ {
		select {
		case cert, ok := <-out:
			if !ok {
				t.Fatal("output channel closed early")
			}
			if cert.Header.Round != i {
				t.Fatalf("got round %d at position %d, want %d (arrival order)", cert.Header.Round, i, i)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for certificate")
		}
	}

	if _, ok := <-out; ok {
		t.Fatal("expected output channel to close once input is exhausted")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Run did not return after input closed")
	}
}

func TestConsensusStopsOnContextCancellation(t *testing.T) {
	lg := log.New()
	lg.SetLevel(log.ErrorLevel)
	c := NewConsensus(50, lg)

	in := make(chan Header)
	feedback := make(chan Digest, 1)
	out := make(chan Certificate)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, in, feedback, out) }()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
