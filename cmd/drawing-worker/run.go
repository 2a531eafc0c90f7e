package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apiserver "github.com/zumen-connect/drawing-worker/internal/api_server"
	"github.com/zumen-connect/drawing-worker/internal/collaborators"
	"github.com/zumen-connect/drawing-worker/internal/config"
	"github.com/zumen-connect/drawing-worker/internal/dispatcher"
	"github.com/zumen-connect/drawing-worker/internal/events"
	"github.com/zumen-connect/drawing-worker/internal/objstore"
	"github.com/zumen-connect/drawing-worker/internal/pipeline"
	"github.com/zumen-connect/drawing-worker/internal/service"
	"github.com/zumen-connect/drawing-worker/internal/store"
	"github.com/zumen-connect/drawing-worker/pkg/log"
	"github.com/zumen-connect/drawing-worker/pkg/migrations"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the drawing worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalw("reading configuration", "error", err)
		}

		logger := log.InitLog(cfg.Service.LogLevel)
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		zap.S().Info("Starting drawing worker")
		defer zap.S().Info("Drawing worker stopped")

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		if cfg.Service.MigrationFolder != "" {
			if err := migrations.MigrateStore(db, cfg.Service.MigrationFolder); err != nil {
				zap.S().Fatalw("running migrations", "error", err)
			}
		} else if err := s.InitialMigration(); err != nil {
			zap.S().Fatalw("running initial migration", "error", err)
		}

		objects, err := objstore.NewMinioStore(
			objstore.WithEndpoint(cfg.Service.S3.Endpoint),
			objstore.WithBucket(cfg.Service.S3.Bucket),
			objstore.WithAccessKey(cfg.Service.S3.AccessKey),
			objstore.WithSecretKey(cfg.Service.S3.SecretKey),
			objstore.WithSSL(cfg.Service.S3.UseSSL),
		)
		if err != nil {
			zap.S().Fatalw("initializing object store", "error", err)
		}

		producer := newEventProducer(cfg)
		defer func() { _ = producer.Close() }()

		seq := pipeline.DefaultSequence()
		jobService := service.NewJobService(s, objects, seq, producer)

		collab := pipeline.Collaborators{
			Decomposer: collaborators.NewPDFDecomposer(objects),
			OCR:        collaborators.NewHTTPOCREngine(objects, cfg.Service.OCR.URL, cfg.Service.OCR.APIKey, cfg.Service.OCR.Timeout),
			Fields:     collaborators.NewLLMFieldExtractor(cfg.Service.LLM.APIKey, cfg.Service.LLM.BaseURL, cfg.Service.LLM.Model),
			Vectors: collaborators.NewTypesenseIndexer(collaborators.TypesenseIndexerConfig{
				LLMAPIKey:      cfg.Service.LLM.APIKey,
				LLMBaseURL:     cfg.Service.LLM.BaseURL,
				EmbeddingModel: cfg.Service.LLM.EmbeddingModel,
				Dimensions:     cfg.Service.LLM.EmbeddingDimensions,
				TypesenseURL:   cfg.Service.Typesense.URL,
				TypesenseKey:   cfg.Service.Typesense.APIKey,
				Collection:     cfg.Service.Typesense.Collection,
			}),
			Converter: collaborators.NewHTTPModelConverter(objects, cfg.Service.Convert3D.URL, cfg.Service.Convert3D.Timeout),
		}

		slots := pipeline.NewSlots(map[string]int{
			pipeline.StageDecompose: cfg.Worker.DecomposeSlots,
			pipeline.StageOCR:       cfg.Worker.OCRSlots,
			pipeline.StageExtract:   cfg.Worker.ExtractSlots,
			pipeline.StageVectorize: cfg.Worker.VectorizeSlots,
			pipeline.StageConvert3D: cfg.Worker.Convert3DSlots,
		})

		executor := pipeline.NewExecutor(s, collab, slots)
		controller := pipeline.NewController(s, executor, seq, jobService.NotifyJobFinished)
		disp := dispatcher.New(s, controller, dispatcher.Config{
			PollInterval:     cfg.Worker.PollInterval,
			LeaseTTL:         cfg.Worker.LeaseTTL,
			MaxConcurrentJob: cfg.Worker.MaxConcurrentJobs,
			BatchSize:        cfg.Worker.PendingBatchSize,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			server := apiserver.New(cfg, jobService, listener, logger)
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalw("running api server", "error", err)
			}
		}()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				zap.S().Fatalw("creating metrics listener", "error", err)
			}

			server := apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener)
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalw("running metrics server", "error", err)
			}
		}()

		go func() {
			defer cancel()
			if err := disp.Run(ctx); err != nil && err != context.Canceled {
				zap.S().Errorw("dispatcher stopped", "error", err)
			}
		}()

		<-ctx.Done()
		return nil
	},
}

func newEventProducer(cfg *config.Config) *events.EventProducer {
	var writer events.Writer = &events.StdoutWriter{}
	if len(cfg.Service.Kafka.Brokers) > 0 {
		kw, err := events.NewKafkaWriter(cfg.Service.Kafka.Brokers, cfg.Service.Kafka.ClientID)
		if err != nil {
			zap.S().Errorw("failed to create kafka writer, falling back to stdout", "error", err)
		} else {
			writer = kw
		}
	}

	opts := []events.ProducerOptions{}
	if cfg.Service.Kafka.Topic != "" {
		opts = append(opts, events.WithOutputTopic(cfg.Service.Kafka.Topic))
	}
	return events.NewEventProducer(writer, opts...)
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
