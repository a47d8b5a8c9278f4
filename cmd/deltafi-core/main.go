package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/deltafi/deltafi-go/internal/config"
	"github.com/deltafi/deltafi-go/internal/infra/database"
	"github.com/deltafi/deltafi-go/internal/infra/repository"
	"github.com/deltafi/deltafi-go/internal/present/rest"
	"github.com/deltafi/deltafi-go/internal/service"
	"github.com/deltafi/deltafi-go/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	conf, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	coreConf, err := conf.CoreConfig()
	if err != nil {
		slog.Error("Invalid core configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	flowDefs, err := conf.DomainFlows()
	if err != nil {
		slog.Error("Invalid flow configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if conf.Server.EnableTrace {
		shutdown, err := setupTracer(ctx, conf.Server.TraceEndpoint)
		if err != nil {
			slog.Error("Failed to set up tracing", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer shutdown(context.Background())
	}

	db, err := database.NewPostgres(conf.Server.PostgresDsn)
	if err != nil {
		slog.Error("Failed to connect database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := database.MigratePostgres(db); err != nil {
		slog.Error("Failed to migrate database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb := database.NewRedis(conf.Server.RedisAddr, conf.Server.RedisPassword, conf.Server.RedisDB)
	mc := database.NewMemcached(conf.Server.MemcachedAddr)

	deltafileRepo := repository.NewDeltaFileRepository(db, coreConf.CacheTTL)
	collectStore := repository.NewCollectEntryRepository(db)

	queue := service.NewActionEventQueue(rdb)
	signalService := service.NewSignalService(rdb)

	flows := usecase.NewFlowRegistry(flowDefs)
	coordinator := usecase.NewCollectCoordinator(collectStore, coreConf)
	scheduler := usecase.NewCollectScheduler(collectStore)
	machine := usecase.NewStateMachine(flows, coordinator, collectStore, scheduler)
	deltafiles := usecase.NewDeltaFilesService(
		deltafileRepo, machine, flows, queue, signalService, coreConf)
	scheduler.SetFinalizer(deltafiles)
	sweeper := usecase.NewRequeueSweeper(deltafileRepo, collectStore, queue, scheduler, coreConf)
	consumer := service.NewEventConsumer(queue, deltafiles)

	go scheduler.Run(ctx)
	go sweeper.Run(ctx)
	go consumer.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if conf.Server.EnableTrace {
		e.Use(otelecho.Middleware("deltafi-core"))
	}

	handler := rest.NewHandler(deltafiles, flows, signalService, mc)
	handler.RegisterRoutes(e)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down server", slog.String("error", err.Error()))
		}
	}()

	listenAddr := conf.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	if err := e.Start(listenAddr); err != nil {
		slog.Info("Server stopped", slog.String("reason", err.Error()))
	}
}

func setupTracer(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("deltafi-core"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
