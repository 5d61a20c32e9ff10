package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/foodorder/internal/health"
	"github.com/vladislavdragonenkov/foodorder/internal/lock"
	"github.com/vladislavdragonenkov/foodorder/internal/metrics"
	"github.com/vladislavdragonenkov/foodorder/internal/optimistic"
	"github.com/vladislavdragonenkov/foodorder/internal/ratelimit"
	grpcsvc "github.com/vladislavdragonenkov/foodorder/internal/service/grpc"
	"github.com/vladislavdragonenkov/foodorder/internal/service/ordering"
	"github.com/vladislavdragonenkov/foodorder/internal/service/outbox"
	"github.com/vladislavdragonenkov/foodorder/internal/service/payment"
	"github.com/vladislavdragonenkov/foodorder/internal/version"
)

const gracefulStopTimeout = 5 * time.Second

// Run поднимает gRPC-сервер заказов, HTTP с метриками и health checks,
// outbox worker и задачу таймаутов. Блокируется до отмены ctx или ошибки сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	policies, err := LoadPolicies(cfg.PolicyFile)
	if err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	concurrencyMetrics := metrics.NewConcurrencyMetrics()
	outboxMetrics := metrics.NewOutboxMetrics()

	// Без Kafka сервис работает: события уходят в лог.
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(producer, logger)
	publisher, dlqPublisher := outboxPublishers(producer, logger)

	worker := outbox.NewWorker(deps.outboxRepo, publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(outboxMetrics),
		outbox.WithDLQPublisher(dlqPublisher),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	locks := lock.NewCoordinator(deps.lockStore,
		lock.WithLogger(logger.WithField("component", "lock")),
		lock.WithMetrics(concurrencyMetrics),
	)
	retrier := optimistic.NewRetrier(policies.Retry, logger.WithField("component", "optimistic"), concurrencyMetrics)

	// NOTE: платёжный провайдер пока mock, реальный клиент подключается через domain.PaymentGateway.
	orders, err := ordering.NewService(ordering.Dependencies{
		Orders:    deps.orders,
		Carts:     deps.carts,
		Addresses: deps.addresses,
		Locks:     locks,
		Retrier:   retrier,
		Notifier:  outbox.NewSink(deps.outboxRepo, logger.WithField("component", "outbox-sink"), outboxMetrics),
		Payments:  payment.NewMockGateway(),
	},
		ordering.WithLogger(logger.WithField("component", "ordering")),
		ordering.WithMetrics(concurrencyMetrics),
		ordering.WithLockTimings(cfg.LockWait, cfg.LockLease),
	)
	if err != nil {
		return err
	}

	timeoutTask := ordering.NewTimeoutTask(orders,
		ordering.WithTaskLogger(logger.WithField("component", "timeout-task")),
		ordering.WithTaskInterval(cfg.TimeoutTaskInterval),
		ordering.WithTimeouts(cfg.PaymentTimeout, cfg.DeliveryTimeout),
	)

	bgCtx, stopBackground := context.WithCancel(ctx)
	var background sync.WaitGroup
	defer func() {
		stopBackground()
		background.Wait()
	}()
	runBackground(bgCtx, &background, worker.Run)
	runBackground(bgCtx, &background, timeoutTask.Run)

	limiter := ratelimit.NewLimiter(deps.counterStore, logger.WithField("component", "rate-limiter"), concurrencyMetrics)

	grpcMetrics := registerGRPCMetrics(logger)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		ratelimit.UnaryServerInterceptor(limiter, policies.RateLimits),
	))
	grpcsvc.RegisterOrderServiceServer(grpcServer, grpcsvc.NewOrderService(orders, logger.WithField("layer", "grpc"),
		grpcsvc.WithPaymentCallbackActor(cfg.PaymentCallbackActor),
	))
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	build := version.Current()
	healthHandler := healthcheck.NewHandler(build.Version)
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	healthHandler.RegisterChecker("outbox", outboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPending))

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(build.LogFields()).Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.Shutdown()
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(gracefulStopTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func runBackground(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}

// registerGRPCMetrics регистрирует метрики сервера; при повторном запуске в том же
// процессе переиспользует уже зарегистрированный коллектор.
func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

// startMetricsServer запускает HTTP с /metrics и health-эндпоинтами.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
