// gfx-replay: replay daemon for captured graphics sessions.
//
// The daemon loads a replay request from the local capture archive,
// re-executes its instruction stream against the configured renderer
// backends, and records the outcome. Resources referenced by the stream
// are fetched from the capture server on demand, through an in-memory
// cache and an optional on-disk cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fortiblox/gfx-replay/internal/logging"
	"github.com/fortiblox/gfx-replay/internal/types"
	"github.com/fortiblox/gfx-replay/pkg/capturestore"
	"github.com/fortiblox/gfx-replay/pkg/remote"
	"github.com/fortiblox/gfx-replay/pkg/renderer"
	"github.com/fortiblox/gfx-replay/pkg/replayer"
	"github.com/fortiblox/gfx-replay/pkg/resource"
	"github.com/fortiblox/gfx-replay/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	serverAddr  = flag.String("server", "", "Capture server address (host:port); empty runs fully offline")
	archivePath = flag.String("archive", "captures.db", "Capture archive database path")
	sessionIdx  = flag.Uint64("session", 0, "Ordering index of the session to replay")
	listOnly    = flag.Bool("list", false, "List archived sessions and exit")
	cacheDir    = flag.String("cache-dir", "", "Directory for the on-disk resource cache (empty disables it)")
	prefetch    = flag.Bool("prefetch", true, "Warm the resource cache before interpreting")
	record      = flag.Bool("record", true, "Record the replay outcome in the archive")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("gfx-replay %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	logger := logging.New(log.Default(), logging.ParseLevel(*logLevel))
	logger.Infof("starting gfx-replay %s", Version)

	if err := run(logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(logger *logging.Logger) error {
	store, err := capturestore.Open(capturestore.DefaultConfig(*archivePath))
	if err != nil {
		return err
	}
	defer store.Close()

	if *listOnly {
		return listSessions(store)
	}

	request, err := store.GetRequest(*sessionIdx)
	if err != nil {
		return fmt.Errorf("session %d: %w", *sessionIdx, err)
	}
	logger.Infof("session %d: %d instructions, %d resources, volatile %d bytes",
		request.OrderingIndex, len(request.Instructions), len(request.Resources),
		request.VolatileMemorySize)

	// Connect to the capture server when one is configured; offline runs
	// can only serve resources already present in the disk cache.
	var conn remote.ServerConnection
	if *serverAddr != "" {
		client, err := remote.NewClient(remote.DefaultConfig(*serverAddr))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = client.Connect(ctx)
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()
		conn = client
	} else {
		logger.Warningf("no capture server configured; cache misses will fail")
		conn = offlineConnection{}
	}

	mm, err := vm.NewMemoryManager(nil)
	if err != nil {
		return err
	}

	var provider resource.Provider = resource.NewRequester()
	if *cacheDir != "" {
		cfg := resource.DefaultDiskCacheConfig(*cacheDir)
		cfg.Scheme = request.HashScheme
		cfg.Logger = logger.Badger()
		disk, err := resource.NewDiskCache(cfg, provider, logger)
		if err != nil {
			return err
		}
		defer disk.Close()
		provider = disk
	}
	// Capacity is sized to the unused volatile tail during prefetch.
	provider = resource.NewMemCache(0, provider, logger)

	session := replayer.New(conn, provider, mm, replayer.Config{
		NewGlesRenderer:   renderer.NewHeadlessGles,
		NewVulkanRenderer: renderer.NewHeadlessVulkan,
	}, logger)
	defer session.Close()

	if err := session.Initialize(request); err != nil {
		return err
	}
	if *prefetch {
		session.Prefetch()
	}

	started := time.Now()
	ok := session.Interpret()
	elapsed := time.Since(started)
	logger.Infof("session %d replayed in %s: success=%t", request.OrderingIndex, elapsed, ok)

	if *record {
		err := store.PutResult(&capturestore.Result{
			OrderingIndex: request.OrderingIndex,
			Success:       ok,
			StartedAt:     started,
			Duration:      elapsed,
		})
		if err != nil {
			return fmt.Errorf("record result: %w", err)
		}
	}
	if !ok {
		return fmt.Errorf("session %d replay failed", request.OrderingIndex)
	}
	return nil
}

func listSessions(store *capturestore.Store) error {
	sessions, err := store.Sessions()
	if err != nil {
		return err
	}
	for _, idx := range sessions {
		line := fmt.Sprintf("session %d", idx)
		if result, err := store.GetResult(idx); err == nil {
			line += fmt.Sprintf("  last replay: success=%t in %s at %s",
				result.Success, result.Duration, result.StartedAt.Format(time.RFC3339))
		}
		fmt.Println(line)
	}
	if len(sessions) == 0 {
		fmt.Println("no archived sessions")
	}
	return nil
}

// offlineConnection stands in when no capture server is configured.
type offlineConnection struct{}

func (offlineConnection) Post(data []byte) error {
	return fmt.Errorf("post %d bytes: %w", len(data), remote.ErrNotConnected)
}

func (offlineConnection) FetchResources(ids []types.ResourceID) ([][]byte, error) {
	return nil, remote.ErrNotConnected
}
