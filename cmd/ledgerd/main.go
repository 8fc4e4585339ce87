package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"haulledger.org/internal/auth"
	"haulledger.org/internal/config"
	"haulledger.org/internal/events"
	"haulledger.org/internal/httpapi"
	"haulledger.org/internal/lock"
	"haulledger.org/internal/materializer"
	"haulledger.org/internal/obs"
	"haulledger.org/internal/rebuild"
	"haulledger.org/internal/scheduler"
	"haulledger.org/internal/store"
	"haulledger.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Fatal("invalid LOG_LEVEL")
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		Exporter:    cfg.TraceExporter,
		Endpoint:    cfg.TraceEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
		Service:     "ledgerd",
		Version:     version,
	})
	if err != nil {
		log.WithError(err).Fatal("init tracing")
	}

	s, err := store.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer s.Close()

	var (
		locker      lock.Locker      = lock.NewLocal()
		checkpoints lock.Checkpoints = lock.NewMemoryCheckpoints()
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("ping redis")
		}
		locker = lock.NewRedis(rdb, "haulledger:lock:")
		checkpoints = lock.NewRedisCheckpoints(rdb, "haulledger:checkpoint:", 7*24*time.Hour)
	} else {
		log.Warn("HAUL_REDIS_ADDR not set; rebuild locks are local to this process")
	}

	st := stream.New()
	m := materializer.New(s, materializer.WithPublisher(st))
	engine := rebuild.New(s, rebuild.WithLocker(locker), rebuild.WithCheckpoints(checkpoints))
	dispatcher := events.NewDispatcher(m)

	var signer *auth.Signer
	if cfg.AuthSecret != "" {
		signer, err = auth.NewSigner(cfg.AuthSecret)
		if err != nil {
			log.WithError(err).Fatal("auth signer")
		}
	} else {
		log.Warn("HAUL_AUTH_SECRET not set; the admin API is unauthenticated")
	}

	api := httpapi.New(httpapi.Deps{
		Store:      s,
		Engine:     engine,
		Dispatcher: dispatcher,
		Stream:     st,
		Signer:     signer,
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
	}, version)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// rebuilds and the event stream outlive the usual write timeout
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCServer(httpapi.ReadyCheck{Store: s})
	health.Register(grpcServer)
	go health.Watch(ctx, 10*time.Second)

	errc := make(chan error, 3)

	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			errc <- err
			return
		}
		log.WithField("addr", cfg.GRPCAddr).Info("grpc health listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- err
		}
	}()

	if cfg.PubSubSubscription != "" {
		client, err := events.NewClient(ctx, cfg.PubSubProject, cfg.PubSubCredentialsJSON)
		if err != nil {
			log.WithError(err).Fatal("pubsub client")
		}
		defer client.Close()
		receiver := events.NewReceiver(client, cfg.PubSubSubscription, cfg.PubSubMaxOutstanding, dispatcher)
		go func() {
			log.WithField("subscription", cfg.PubSubSubscription).Info("receiving transaction events")
			if err := receiver.Run(ctx); err != nil && ctx.Err() == nil {
				errc <- err
			}
		}()
	}

	var sweeps *scheduler.Scheduler
	if cfg.SweepEnabled {
		sweeps = scheduler.New(engine, locker, cfg.SweepInterval)
		sweeps.BatchSize = cfg.RebuildBatch
		sweeps.Start(ctx)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		log.WithError(err).Error("component failed, shutting down")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if sweeps != nil {
		sweeps.Stop()
	}
	health.Shutdown()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("flush traces")
	}
	log.Info("stopped")
}
