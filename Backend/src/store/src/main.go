package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	cfg, err := LoadConfig()
	setupLogger(cfg)
	must(err)

	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("db", cfg.DBDriver).
		Msg("starting store service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := InitTracerProvider(cfg.ServiceName, cfg.JaegerEndpoint)
	must(err)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// DB
	db, err := openDB(cfg)
	must(err)
	must(migrate(ctx, db))
	if cfg.SeedOnStart {
		seeded, err := seed(ctx, db)
		must(err)
		if seeded {
			log.Info().Msg("seeded initial catalog")
		}
	}
	repo := NewRepository(db)

	// Eventos
	pub := newPublisher(cfg)
	defer pub.Close()

	// Sesiones
	sessions, err := NewSessionStore(ctx, cfg)
	must(err)
	defer sessions.Close()

	users := NewUserService(repo, sessions, pub)
	catalog := NewCatalogService(repo, pub)
	res := NewReservationService(repo, pub)
	srv := NewServer(cfg, repo, users, catalog, res)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	reflection.Register(grpcSrv)
	hs.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http serve")
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return errors.Wrap(err, "grpc listen")
		}
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC listening")
		return grpcSrv.Serve(lis)
	})
	// Señales para apagado limpio
	g.Go(func() error {
		<-gctx.Done()
		log.Warn().Msg("shutting down...")
		hs.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		err := httpSrv.Shutdown(sctx)
		grpcSrv.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("store stopped with error")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("bye")
}

func setupLogger(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.ServiceName).Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

// newPublisher conecta los brokers configurados. Un broker caído no impide arrancar.
func newPublisher(cfg Config) Publisher {
	var pubs []Publisher
	if cfg.RabbitURL != "" {
		r, err := NewRabbit(cfg.RabbitURL, cfg.EventsExchange)
		if err != nil {
			log.Warn().Err(err).Msg("rabbit unavailable; events will not reach it")
		} else {
			log.Info().Str("exchange", cfg.EventsExchange).Msg("rabbit publisher ready")
			pubs = append(pubs, r)
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopic))
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.EventsTopic).Msg("kafka publisher ready")
	}
	return combinePublishers(pubs...)
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
