package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"google.golang.org/grpc"

	"github.com/SnapSpend/receipt-service/config"
	"github.com/SnapSpend/receipt-service/internal/core/bills"
	"github.com/SnapSpend/receipt-service/internal/core/catalog"
	"github.com/SnapSpend/receipt-service/internal/core/extraction"
	"github.com/SnapSpend/receipt-service/internal/core/notify"
	"github.com/SnapSpend/receipt-service/internal/core/pipeline"
	"github.com/SnapSpend/receipt-service/internal/core/shops"
	"github.com/SnapSpend/receipt-service/internal/core/storage"
	"github.com/SnapSpend/receipt-service/internal/core/users"
	"github.com/SnapSpend/receipt-service/internal/core/validation"
	"github.com/SnapSpend/receipt-service/internal/core/verification"
	"github.com/SnapSpend/receipt-service/internal/infra/cache"
	"github.com/SnapSpend/receipt-service/pkg/telemetry"
)

const dedupCacheTTL = 30 * 24 * time.Hour

type Server struct {
	cfg            *config.Config
	app            *fiber.App
	traceProvider  *sdktrace.TracerProvider
	metricProvider *metric.MeterProvider
	redisClient    *redis.Client
	dbPool         *pgxpool.Pool
	handlers       *handlers
	pipeline       *pipeline.Service
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func New(ctx context.Context, cfg *config.Config, dbConn *pgxpool.Pool) *Server {
	traceExporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		slog.Error("failed to initialize jaeger exporter", slog.String("error", err.Error()))
		return nil
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OtlpEndpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithDialOption(grpc.WithUserAgent("receipt-service")),
	)
	if err != nil {
		slog.Error("failed to initialize otlp exporter", slog.String("error", err.Error()))
		return nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String("receipt-service"),
			)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	provider := metric.NewMeterProvider(metric.WithResource(resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("receipt-service"),
	)), metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(15*time.Second))))

	otel.SetMeterProvider(provider)

	if err := telemetry.InitTelemetry(provider, dbConn); err != nil {
		slog.Error("failed to initialize telemetry", slog.String("error", err.Error()))
		return nil
	}

	instrumentedConn, err := telemetry.NewInstrumentedPool(provider, dbConn)
	if err != nil {
		slog.Error("failed to create instrumented pool", slog.String("error", err.Error()))
		return nil
	}

	logger := slog.Default()

	billRepo := bills.NewRepository(instrumentedConn, logger)
	catalogRepo := catalog.NewRepository(instrumentedConn, logger)
	shopService := shops.NewService(instrumentedConn, logger)
	userService := users.NewService(instrumentedConn)

	pipelineCfg := cfg.GetPipelineConfig()
	resolver := catalog.NewResolver(catalogRepo, logger, pipelineCfg.FuzzyMatchThreshold, pipelineCfg.PromotionThreshold)

	imageStore, err := storage.NewAzureStorage(cfg.GetCloudConfig().Azure)
	if err != nil {
		slog.Error("failed to initialize blob storage", slog.String("error", err.Error()))
		return nil
	}

	extractionProvider, err := extraction.NewOpenAIProvider(cfg.GetExtractorConfig(), logger)
	if err != nil {
		slog.Error("failed to initialize extraction provider", slog.String("error", err.Error()))
		return nil
	}
	extractor := extraction.NewService(extractionProvider, pipelineCfg.MaxImageBytes, logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress(),
		Username: cfg.RedisUser,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDb,
	})

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramDebug, userService, logger)
		if err != nil {
			slog.Error("failed to initialize telegram notifier", slog.String("error", err.Error()))
			return nil
		}
		notifier = tg
	}

	pipelineService := pipeline.NewService(
		billRepo,
		shopService,
		resolver,
		extractor,
		imageStore,
		cache.NewDedupCache(redisClient, dedupCacheTTL, logger),
		validation.NewEngine(pipelineCfg.TotalTolerancePct, pipelineCfg.ConfidenceGate),
		notifier,
		pipelineCfg,
		logger,
	)

	verificationService := verification.NewService(billRepo, catalogRepo, notifier, logger)

	serverCtx, cancel := context.WithCancel(ctx)

	return &Server{
		cfg:            cfg,
		app:            fiber.New(cfg.Fiber()),
		traceProvider:  tp,
		metricProvider: provider,
		redisClient:    redisClient,
		dbPool:         dbConn,
		pipeline:       pipelineService,
		handlers: &handlers{
			pipeline:     pipelineService,
			verification: verificationService,
			bills:        billRepo,
			catalog:      catalogRepo,
			users:        userService,
			logger:       logger,
		},
		ctx:    serverCtx,
		cancel: cancel,
	}
}

func (s *Server) Start() {
	initGlobalMiddlewares(s.app, s.cfg)
	s.handlers.register(s.app)

	s.pipeline.StartStaleSweeper(s.ctx, time.Minute)

	slog.Info("Starting HTTP server", slog.String("address", s.cfg.ServerAddress))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.app.Listen(s.cfg.ServerAddress); err != nil {
			slog.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()
}

func (s *Server) Shutdown() {
	slog.Info("Shutting down server")

	s.cancel()

	if err := s.app.Shutdown(); err != nil {
		slog.Error("Error shutting down HTTP server", slog.String("error", err.Error()))
	}

	s.wg.Wait()

	if err := s.traceProvider.Shutdown(context.Background()); err != nil {
		slog.Error("Error shutting down trace provider", slog.String("error", err.Error()))
	}

	if err := s.metricProvider.Shutdown(context.Background()); err != nil {
		slog.Error("Error shutting down metric provider", slog.String("error", err.Error()))
	}

	if err := s.redisClient.Close(); err != nil {
		slog.Error("Error closing redis client", slog.String("error", err.Error()))
	}

	s.dbPool.Close()

	slog.Info("Server shut down successfully")
}
