package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storycredits/internal/config"
	"storycredits/internal/handler"
	"storycredits/internal/infrastructure/cache"
	"storycredits/internal/infrastructure/database"
	"storycredits/internal/infrastructure/logging"
	"storycredits/internal/infrastructure/metrics"
	"storycredits/internal/infrastructure/mq"
	"storycredits/internal/job"
	"storycredits/internal/model"
	"storycredits/internal/service"
	"storycredits/internal/wallet"
	"storycredits/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	workerID := flag.Int64("worker-id", 1, "snowflake worker id")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	if err := run(cfg, *workerID, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(cfg *config.Config, workerID int64, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := idgen.Init(workerID); err != nil {
		return err
	}
	m := metrics.New()

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.WithError(err).Warn("close database")
		}
	}()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	} else {
		log.Warn("redis disabled: settlement locks and wallet sessions are off")
	}

	ledger := service.NewLedger(db, cfg.Ledger, m, log)
	recorder := service.NewRecorder(db)
	settlement := service.NewSettlement(db, redisClient, ledger, recorder, cfg.Settlement, m, log)

	var wallets handler.WalletSessions
	if redisClient != nil && cfg.Wallet.RPCURL != "" {
		providers := func(string) wallet.Provider {
			return wallet.NewRPCProvider(cfg.Wallet.RPCURL, cfg.Wallet.RequestTimeout, cfg.Wallet.PollInterval)
		}
		store := wallet.NewRedisSessionStore(redisClient, cfg.Wallet.SessionTTL)
		manager := wallet.NewManager(providers, store, cfg.Wallet.AllowedChainIDs, log)
		defer manager.Close()

		settlement.WithWalletChecker(manager)
		wallets = manager
	}

	sender := job.NewOutboxSender(db, cfg.Outbox, m, log)
	sender.Register(model.TopicAuthorEarnings, job.NewAuthorEarningsHandler(db))
	if cfg.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()
		sender.Register(model.TopicSettlementCompleted, job.NewKafkaHandler(producer, cfg.Kafka.Topic.SettlementCompleted))
	} else {
		events := log.WithField("component", "events")
		sender.Register(model.TopicSettlementCompleted, job.HandlerFunc(func(_ context.Context, msg *model.OutboxMessage) error {
			events.WithField("key", msg.MessageKey).Debug(msg.Payload)
			return nil
		}))
	}
	monitor := job.NewOutboxMonitor(db, cfg.Outbox.MonitorInterval, m, log)

	go sender.Start(ctx)
	go monitor.Start(ctx)

	h := handler.NewHandler(ledger, recorder, settlement, service.NewAuthors(db), wallets, log)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRouter(h, m, log, cfg.Server.Mode),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)

	// the deferred producer and database Close must not race the last batch
	sender.Stop()
	monitor.Stop()
	<-sender.Done()
	<-monitor.Done()

	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	log.Info("server stopped")
	return nil
}
