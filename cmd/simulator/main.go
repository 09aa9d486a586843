package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/sdk"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "simulator:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("simulator", pflag.ContinueOnError)
	server := fs.String("server", "http://localhost:8888", "sensorvault base URL")
	key := fs.String("key", os.Getenv("SENSORVAULT_AES_KEY"), "device key (64 hex or 32 raw characters)")
	keyID := fs.String("key-id", "", "key id sent in the X-Key-ID header")
	team := fs.Int("team", 0, "team_number included in each payload")
	interval := fs.Duration("interval", 5*time.Second, "time between readings")
	count := fs.Int("count", 0, "readings to send, 0 runs until interrupted")
	backfill := fs.Duration("backfill", 0, "send readings spread over this past window first")
	seed := fs.Int64("seed", time.Now().UnixNano(), "random seed")
	verbose := fs.BoolP("verbose", "v", false, "log every reading")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.Init(logging.ParseLevel(level), false)
	log := logging.Component("simulator")

	client, err := sdk.New(sdk.ClientConfig{
		Endpoint:   strings.TrimSuffix(*server, "/") + "/api/post-data",
		Key:        *key,
		KeyID:      *keyID,
		TeamNumber: *team,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := newGenerator(*seed)
	stats := &sendStats{}
	defer func() { log.Info("simulator stopped", stats.attrs()...) }()

	if *backfill > 0 {
		if err := sendBackfill(ctx, client, gen, stats, time.Now().Add(-*backfill), time.Now(), *interval); err != nil {
			return err
		}
	}
	return sendLive(ctx, client, gen, stats, *interval, *count)
}
