// Command replay re-enqueues dead-lettered messages onto their origin
// topics. Operators run it against the production bus after fixing the
// condition that dead-lettered the messages.
//
// Usage:
//
//	replay -from 1 -to 500 [-topic toll.events.raw] [-max-retries 3] [-config config.yaml]
//
// Exits 0 when every selected record was replayed, 1 on configuration
// errors or when any record was refused at the retry cap, 2 on bus errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/replay"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("CONFIG_PATH"), "pipeline config file")
		from       = flag.Uint64("from", 0, "first DLQ sequence to scan (inclusive)")
		to         = flag.Uint64("to", 0, "last DLQ sequence to scan (inclusive)")
		topic      = flag.String("topic", "", "only replay records that originated on this topic")
		maxRetries = flag.Int("max-retries", replay.DefaultMaxRetries, "refuse records replayed this many times already")
	)
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if *from == 0 || *to == 0 || *to < *from {
		logger.Error("a valid -from/-to sequence range is required")
		os.Exit(config.ExitConfig)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", zap.Error(err))
		os.Exit(config.ExitConfig)
	}

	js, err := bus.ConnectJetStream(cfg.Bus.Brokers[0], cfg.Bus.ClientID+"-replay", bus.Options{
		Partitions:    cfg.Bus.Partitions,
		MaxDeliveries: cfg.Bus.MaxDeliveries,
	}, logger)
	if err != nil {
		logger.Error("bus connect failed", zap.Error(err))
		os.Exit(config.ExitBus)
	}
	defer js.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	sum, err := replay.New(js, js, logger).Run(ctx, replay.Options{
		From:       *from,
		To:         *to,
		Topic:      *topic,
		MaxRetries: *maxRetries,
	})
	if err != nil {
		logger.Error("replay aborted", zap.Error(err))
		os.Exit(config.ExitBus)
	}

	fmt.Printf("scanned=%d replayed=%d refused=%d skipped=%d\n",
		sum.Scanned, sum.Replayed, sum.Refused, sum.Skipped)

	if sum.Refused > 0 {
		os.Exit(1)
	}
}
