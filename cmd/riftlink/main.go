package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/riftlink/riftlink/config"
	"github.com/riftlink/riftlink/internal/discovery"
	"github.com/riftlink/riftlink/internal/download"
	"github.com/riftlink/riftlink/internal/manifest"
	"github.com/riftlink/riftlink/internal/peer"
	"github.com/riftlink/riftlink/internal/securestream"
	"github.com/riftlink/riftlink/internal/store"
	"github.com/riftlink/riftlink/internal/upload"
	"github.com/riftlink/riftlink/pkg/env"
	"github.com/riftlink/riftlink/pkg/logging"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(env.GetEnv("RIFTLINK_DEBUG", "") != "")
	config.LoadConfig(".")

	app := &cli.App{
		Name:  "riftlink",
		Usage: "A decentralized content-addressed file sharing engine",
		Commands: []*cli.Command{
			serveCommand(),
			shareCommand(),
			downloadCommand(),
			listCommand(),
			rmCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func openStore() (*store.Store, *store.Index, error) {
	cfg := config.Config
	index, err := store.OpenIndex(filepath.Join(cfg.SharedDir, ".index"))
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewStore(cfg.SharedDir, cfg.DownloadsDir, index, store.Options{
		ChunkSize:     cfg.ChunkSize,
		CompressBlobs: cfg.CompressBlobs,
	})
	if err != nil {
		index.Close()
		return nil, nil, err
	}
	return st, index, nil
}

// newDiscovery returns the lookup service shared content is announced
// to. The in-process registry covers single-host deployments; a DHT
// backend would slot in behind the same interface.
func newDiscovery() discovery.Service {
	self := peer.Endpoint{Host: "127.0.0.1", Port: config.Config.Port}
	return discovery.NewNode(discovery.NewRegistry(), self)
}

// announceShared announces every shared file recorded in the store.
func announceShared(ctx context.Context, svc discovery.Service, st *store.Store) error {
	files, err := st.List()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := svc.Announce(ctx, f.InfoHash); err != nil {
			logging.Log.Warnf("Failed to announce %s: %v", f.InfoHash, err)
		}
	}
	return nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve shared files to peers",
		Action: func(c *cli.Context) error {
			st, index, err := openStore()
			if err != nil {
				return err
			}
			defer index.Close()

			server := upload.NewServer(st, nil)
			if err := server.Start(config.Config.Port); err != nil {
				return err
			}
			if err := announceShared(c.Context, newDiscovery(), st); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Stop(ctx)
		},
	}
}

func shareCommand() *cli.Command {
	return &cli.Command{
		Name:      "share",
		Usage:     "Share a file and print its infohash",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: riftlink share <file>")
			}
			st, index, err := openStore()
			if err != nil {
				return err
			}
			defer index.Close()

			m, infohash, err := st.CreateManifest(c.Args().First())
			if err != nil {
				return err
			}
			if err := newDiscovery().Announce(c.Context, infohash); err != nil {
				return err
			}
			fmt.Printf("Sharing %s (%d chunks)\n", m.Name, m.NumChunks())
			fmt.Println(infohash)
			return nil
		},
	}
}

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "Download a file by infohash from the given peers",
		ArgsUsage: "<infohash>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "peer",
				Usage:    "peer endpoint host:port (repeatable)",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: riftlink download <infohash> --peer host:port")
			}
			infohash := c.Args().First()
			cfg := config.Config

			var peers []peer.Endpoint
			for _, s := range c.StringSlice("peer") {
				ep, err := peer.ParseEndpoint(s)
				if err != nil {
					return err
				}
				peers = append(peers, ep)
			}

			st, index, err := openStore()
			if err != nil {
				return err
			}
			defer index.Close()

			dialer := securestream.TCPDialer{
				Timeout: time.Duration(cfg.DialTimeoutMs) * time.Millisecond,
			}

			m, err := fetchManifest(dialer, peers, infohash)
			if err != nil {
				return err
			}
			logging.Log.Infof("Fetched manifest for %s: %d chunks, %d bytes", m.Name, m.NumChunks(), m.TotalSize)

			orch := download.NewOrchestrator(discovery.Static(peers), dialer, st, download.Options{
				MaxConcurrentFetches: cfg.MaxConcurrentFetches,
				PausePoll:            time.Duration(cfg.PausePollMs) * time.Millisecond,
				CleanupPartial:       cfg.CleanupPartial,
			})

			sink := newConsoleSink()
			if err := orch.Start(m, infohash, sink); err != nil {
				return err
			}

			state := sink.wait()
			if state != download.StateCompleted {
				return fmt.Errorf("download ended in state %s", state)
			}
			fmt.Printf("Downloaded %s to %s\n", m.Name, filepath.Join(st.DownloadsDir(), m.Name))
			return nil
		},
	}
}

// fetchManifest asks the given peers for the manifest in order until one
// of them has it.
func fetchManifest(dialer securestream.Dialer, peers []peer.Endpoint, infohash string) (*manifest.Manifest, error) {
	var lastErr error
	for _, p := range peers {
		m, err := download.FetchManifest(dialer, p, infohash)
		if err == nil {
			return m, nil
		}
		logging.Log.Warnf("Failed to fetch manifest from peer %s: %v", p, err)
		lastErr = err
	}
	return nil, fmt.Errorf("could not fetch manifest from any peer: %w", lastErr)
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List shared files",
		Action: func(c *cli.Context) error {
			st, index, err := openStore()
			if err != nil {
				return err
			}
			defer index.Close()

			files, err := st.List()
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("No shared files")
				return nil
			}
			for _, f := range files {
				fmt.Printf("%s  %10d bytes  %4d chunks  %s\n", f.InfoHash, f.Size, f.NumChunks, f.Name)
			}
			return nil
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Stop sharing a file and delete it from the shared directory",
		ArgsUsage: "<name>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: riftlink rm <name>")
			}
			st, index, err := openStore()
			if err != nil {
				return err
			}
			defer index.Close()

			return st.Remove(c.Args().First())
		},
	}
}
