// Command sentinelcamd runs the real-time camera streaming core: the
// Stream Broker, push-socket gateway, Frame Extractor, Face Recognition
// Worker, ANN Face Index and Event Scheduler, wired together behind a
// cobra CLI. HTTP/REST, auth, and the camera/event relational schema are
// external collaborators; this process wires only the streaming and
// recognition core plus the narrow persistence/metrics/health surface it
// needs to run standalone.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sentinelcam/internal/annindex"
	"sentinelcam/internal/broker"
	"sentinelcam/internal/config"
	"sentinelcam/internal/extractor"
	"sentinelcam/internal/logging"
	"sentinelcam/internal/model"
	"sentinelcam/internal/persistence"
	"sentinelcam/internal/recognition"
	"sentinelcam/internal/scheduler"
	"sentinelcam/internal/wsgateway"
)

var (
	cfgFile string
	debug   bool
	addr    string
)

var rootCmd = &cobra.Command{
	Use:   "sentinelcamd",
	Short: "Real-time camera streaming and face-recognition core",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming core, recognition pipeline and event scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("sentinelcamd (dev build)")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./sentinelcam.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable development (console) logging")
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address for the push socket, metrics and health endpoints")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// staticCameraDirectory resolves a camera id to its RTSP source URL. The
// camera/event relational schema is an external collaborator; this is the
// narrowest possible stand-in so the scheduler has something to dial in a
// standalone run.
type staticCameraDirectory map[string]string

func (d staticCameraDirectory) SourceURL(cameraID string) (string, bool) {
	url, ok := d[cameraID]
	return url, ok
}

// recognitionController adapts the Frame Extractor to the scheduler's
// Controller contract, resolving camera ids to source URLs via a
// staticCameraDirectory.
type recognitionController struct {
	log       *zap.Logger
	extractor *extractor.Extractor
	cameras   staticCameraDirectory
	period    time.Duration
}

func sessionID(eventID, cameraID string) string { return eventID + "/" + cameraID }

func (c *recognitionController) StartRecognition(ctx context.Context, eventID string, cam model.EventCamera, tenantID string) error {
	sourceURL, ok := c.cameras.SourceURL(cam.CameraID)
	if !ok {
		return fmt.Errorf("no source url configured for camera %s", cam.CameraID)
	}
	sess := model.RecognitionSession{
		ID:         sessionID(eventID, cam.CameraID),
		CameraID:   cam.CameraID,
		TenantID:   tenantID,
		SourceURL:  sourceURL,
		OwnerEvent: eventID,
		Period:     c.period,
		State:      model.RecognitionActive,
		CreatedAt:  time.Now(),
	}
	c.extractor.Start(ctx, sess, c.period)
	return nil
}

func (c *recognitionController) StopRecognition(ctx context.Context, eventID, cameraID string) error {
	c.extractor.Stop(sessionID(eventID, cameraID))
	return nil
}

func (c *recognitionController) ForceStopRecognition(ctx context.Context, eventID, cameraID string) {
	c.extractor.Stop(sessionID(eventID, cameraID))
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("resolving server time zone: %w", err)
	}

	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening persistence store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrating persistence store: %w", err)
	}

	index := annindex.New()
	tenants, err := store.ListTenants()
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	if err := index.Initialize(store, tenants); err != nil {
		return fmt.Errorf("initializing ann index: %w", err)
	}
	log.Info("ann index initialized", zap.Any("stats", index.Stats()))

	detector := recognition.NewHTTPDetector(cfg.DetectorEndpoint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	embedder, err := recognition.NewGRPCEmbedder(ctx, cfg.EmbedderEndpoint)
	if err != nil {
		return fmt.Errorf("connecting to embedder: %w", err)
	}
	defer embedder.Close()

	worker := recognition.New(
		logging.Component(log, "recognition"),
		detector,
		embedder,
		index,
		store,
		recognition.Thresholds{
			DetectMin:    cfg.DetectThreshold,
			MatchStrong:  cfg.MatchStrong,
			MatchWeak:    cfg.MatchWeak,
			CropPad:      cfg.EmbedCropPad,
			EmbedMaxSide: cfg.EmbedSize,
		},
		recognition.PoolOptions{
			ImageWorkers:     cfg.ImagePoolSize,
			ImageQueue:       cfg.ImageQueueMax,
			EmbedParallelism: cfg.EmbedParallelism,
		},
	)
	defer worker.Close()

	ext := extractor.New(
		logging.Component(log, "extractor"),
		extractor.Options{
			StartTimeout: cfg.TranscoderStartTimeoutStill,
			KillTimeout:  cfg.TranscoderKillTimeout,
		},
		worker,
	)

	b := broker.New(logging.Component(log, "broker"), broker.Options{
		ViewerFPS:       cfg.ViewerFPS,
		ViewerWidth:     cfg.ViewerWidth,
		ViewerHeight:    cfg.ViewerHeight,
		ViewerQuality:   cfg.ViewerQuality,
		FramerMinBytes:  cfg.FramerMinBytes,
		FramerMaxBytes:  cfg.FramerMaxBytes,
		FramerBufferMax: cfg.FramerBufferMax,
		QueueCapacity:   cfg.SubscriberQueueCapacity,
		ViewerIdle:      cfg.ViewerIdleTimeout,
		GCInterval:      cfg.IdleGCInterval,
		StartTimeout:    cfg.TranscoderStartTimeoutMJPEG,
		KillTimeout:     cfg.TranscoderKillTimeout,
	})
	defer b.Close()

	cameras := loadCameraDirectory()

	sched := scheduler.New(
		logging.Component(log, "scheduler"),
		store,
		&recognitionController{
			log:       logging.Component(log, "scheduler"),
			extractor: ext,
			cameras:   cameras,
			period:    cfg.RecognitionPeriod,
		},
		scheduler.Options{
			Tick: cfg.SchedulerTick,
			Now:  time.Now,
			Loc:  loc,
		},
	)
	go sched.Run(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", wsgateway.New(logging.Component(log, "wsgateway"), b))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(b))

	srv := &http.Server{Addr: addr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	return nil
}

// loadCameraDirectory reads a static cameraId->sourceURL map from the
// CAMERA_DIRECTORY environment variable (a JSON object), since the
// relational camera schema is out of scope for this process.
func loadCameraDirectory() staticCameraDirectory {
	dir := staticCameraDirectory{}
	raw := os.Getenv("CAMERA_DIRECTORY")
	if raw == "" {
		return dir
	}
	if err := json.Unmarshal([]byte(raw), &dir); err != nil {
		return staticCameraDirectory{}
	}
	return dir
}

func healthHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := b.Health()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h)
	}
}
