package main

import (
	"bytes"
	"crypto/sha256"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	core "github.com/sailfish-node/node/core"
)

func seedStore(t *testing.T, dir string, txs [][]byte) core.Digest {
	t.Helper()
	lg := log.New()
	lg.SetLevel(log.ErrorLevel)

	s, err := core.NewStore(dir, lg, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	raw, err := core.EncodeBatch(txs)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	sum := sha256.Sum256(raw)
	digest, err := core.DigestFromBytes(sum[:])
	if err != nil {
		t.Fatalf("DigestFromBytes: %v", err)
	}
	s.Write(digest.Bytes(), raw)
	return digest
}

func TestCLIListAcrossStores(t *testing.T) {
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")
	seedStore(t, dirA, [][]byte{{1}})
	seedStore(t, dirB, [][]byte{{2}})

	cmd := rootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--list", dirA, dirB})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), out.String())
	}
}

func TestCLIFetchReturnsFirstHit(t *testing.T) {
	dirA := filepath.Join(t.TempDir(), "a")
	digest := seedStore(t, dirA, [][]byte{{0xaa, 0xbb}})

	cmd := rootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{digest.String(), dirA})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "aabb") {
		t.Fatalf("expected hex transaction in output, got %q", out.String())
	}
}

func TestCLIFetchMissingDigestErrors(t *testing.T) {
	dirA := filepath.Join(t.TempDir(), "a")
	seedStore(t, dirA, [][]byte{{1}})

	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{strings.Repeat("00", 32), dirA})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for digest not present in any store")
	}
}
