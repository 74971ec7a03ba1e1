package main

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/riftlink/riftlink/internal/discovery"
	"github.com/riftlink/riftlink/internal/peer"
	"github.com/riftlink/riftlink/internal/store"
	"github.com/riftlink/riftlink/pkg/logging"
)

func TestMain(m *testing.M) {
	logging.InitLogger(true)
	os.Exit(m.Run())
}

func TestAnnounceShared(t *testing.T) {
	index, err := store.OpenIndex(filepath.Join(t.TempDir(), ".index"))
	if err != nil {
		t.Fatal(err)
	}
	defer index.Close()

	st, err := store.NewStore(t.TempDir(), t.TempDir(), index, store.Options{ChunkSize: 1024})
	if err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 2048)
	rand.New(rand.NewSource(1)).Read(data)
	path := filepath.Join(t.TempDir(), "shared.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	_, infohash, err := st.CreateManifest(path)
	if err != nil {
		t.Fatal(err)
	}

	reg := discovery.NewRegistry()
	self := peer.Endpoint{Host: "127.0.0.1", Port: 4001}
	svc := discovery.NewNode(reg, self)

	if err := announceShared(context.Background(), svc, st); err != nil {
		t.Fatalf("announceShared failed: %v", err)
	}

	peers := reg.Lookup(infohash)
	if len(peers) != 1 || peers[0] != self {
		t.Errorf("Lookup(%s) = %v, want [%v]", infohash, peers, self)
	}
}
