package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/freva-org/freva-data-portal/internal/broker"
	"github.com/freva-org/freva-data-portal/internal/cache"
	"github.com/freva-org/freva-data-portal/internal/opener"
	"github.com/freva-org/freva-data-portal/internal/worker"
)

func main() {
	var (
		redisF    = flag.String("redis", envOr("REDIS_URL", "redis://localhost:6379"), "Redis URL")
		parallelF = flag.Int("parallelism", worker.DefaultParallelism, "Concurrent jobs per worker")
		targetF   = flag.String("chunk-target", "", "Chunk byte target, e.g. 16MiB")
		devF      = flag.Bool("dev", false, "Honour shutdown messages on the job channel")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ropts, err := redis.ParseURL(*redisF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid redis URL %q", *redisF)
	}
	store := cache.NewRedisStore(redis.NewClient(ropts))
	if err := store.Ping(ctx); err != nil {
		log.Fatalf(ctx, err, "redis not reachable at %q", *redisF)
	}

	c := cache.New(store)
	b := broker.New(store)
	openers := opener.NewRegistry(opener.NewJSONFileOpener())

	w, err := worker.New(c, b, openers, worker.Options{
		Parallelism:   *parallelF,
		DefaultTarget: *targetF,
		DevMode:       *devF,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf(ctx, "exiting (%s)", sig)
		cancel()
	}()

	log.Printf(ctx, "worker consuming %q", broker.Topic)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "exited")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
