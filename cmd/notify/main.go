package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"annotation-service/internal/bus"
	"annotation-service/internal/config"
	"annotation-service/internal/notify"
	"annotation-service/internal/objectstore"
	"annotation-service/internal/store"
	"annotation-service/internal/telemetry"
	"annotation-service/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	awsCfg, err := objectstore.LoadAWSConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	mailer := notify.NewSESMailer(sesv2.NewFromConfig(awsCfg), cfg.EmailSender)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	eventBus := bus.New(redisClient, cfg.Bindings(), cfg.VisibilityTimeout)

	notifier := worker.NewNotifier(cfg, st, mailer)
	loop := worker.NewLoop(eventBus.Queue(cfg.QueueNotify), notifier.Handle, cfg.BatchSize, cfg.PollWait)

	log.Printf("notifier consuming queue %s", cfg.QueueNotify)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return telemetry.Serve(ctx, cfg.MetricsAddr) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("notifier stopped: %v", err)
	}
}
