package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bookd/config"
	"bookd/domain/book"
	"bookd/infra/kafka"
	"bookd/registry"
	"bookd/service"
)

// feedgen drives the exchange side: it submits random resting orders into
// the authoritative books and publishes the resulting snapshot/delta stream
// onto the feed topic. Useful for exercising the full pipeline locally.
func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	markets := flag.String("markets", "DEMO-MKT-A,DEMO-MKT-B", "comma-separated market tickers")
	rate := flag.Duration("rate", 100*time.Millisecond, "delay between orders")
	snapEvery := flag.Int("snapshot-every", 10, "publish a full snapshot every N orders per market")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.FeedTopic)
	defer producer.Close()

	reg := registry.New(log)
	feed := service.NewFeed(reg, producer, cfg.Book.Source, cfg.Book.SnapshotDepth, log)

	tickers := strings.Split(*markets, ",")
	for _, ticker := range tickers {
		feed.WatchCrosses(ctx, ticker)
		// Seed a snapshot so consumers bootstrap immediately.
		if err := feed.PublishSnapshot(ctx, ticker); err != nil {
			log.Warn("initial snapshot failed",
				zap.String("market", ticker), zap.Error(err))
		}
	}

	counts := make(map[string]int)
	timer := time.NewTicker(*rate)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("feedgen stopped")
			return
		case <-timer.C:
		}

		ticker := tickers[rand.Intn(len(tickers))]
		o, err := randomOrder()
		if err != nil {
			continue
		}
		if !feed.SubmitOrder(ctx, ticker, o) {
			continue
		}

		counts[ticker]++
		if *snapEvery > 0 && counts[ticker]%*snapEvery == 0 {
			if err := feed.PublishSnapshot(ctx, ticker); err != nil {
				log.Warn("snapshot failed",
					zap.String("market", ticker), zap.Error(err))
			}
		}
	}
}

func randomOrder() (*book.Order, error) {
	side := book.Yes
	if rand.Intn(2) == 1 {
		side = book.No
	}
	action := book.Buy
	if rand.Intn(2) == 1 {
		action = book.Sell
	}
	price := 1 + rand.Intn(99)
	qty := int64(1 + rand.Intn(500))
	id := fmt.Sprintf("gen-%s", uuid.NewString())
	return book.NewOrder(id, side, action, price, qty)
}
