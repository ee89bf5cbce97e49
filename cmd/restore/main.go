package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"annotation-service/internal/bus"
	"annotation-service/internal/config"
	"annotation-service/internal/objectstore"
	"annotation-service/internal/store"
	"annotation-service/internal/telemetry"
	"annotation-service/internal/vault"
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
	s3Client, err := objectstore.NewClient(ctx, cfg)
	if err != nil {
		log.Fatalf("init s3 client: %v", err)
	}
	objects := objectstore.New(s3Client)
	coldVault := vault.NewGlacier(glacier.NewFromConfig(awsCfg), cfg.VaultName, cfg.VaultSNSTopic)

	// The vault delivers retrieval-complete notifications to an SQS queue
	// when one is configured; otherwise they are expected on the internal
	// bus (local development with a fake vault).
	var source worker.Source
	if cfg.RestoreQueueURL != "" {
		source = bus.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.RestoreQueueURL)
	} else {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		source = bus.New(redisClient, cfg.Bindings(), cfg.VisibilityTimeout).Queue(cfg.QueueRestore)
	}

	finalizer := worker.NewRestoreFinalizer(cfg, st, objects, coldVault)
	loop := worker.NewLoop(source, finalizer.Handle, cfg.BatchSize, cfg.PollWait)

	log.Printf("restore finalizer consuming %s", source.Name())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return telemetry.Serve(ctx, cfg.MetricsAddr) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("restore finalizer stopped: %v", err)
	}
}
