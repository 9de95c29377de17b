package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/lmittmann/tint"
	"github.com/nimbleapproach/a11y-scan-worker/config"
	"github.com/nimbleapproach/a11y-scan-worker/internal/aws_s3"
	"github.com/nimbleapproach/a11y-scan-worker/internal/batch"
	"github.com/nimbleapproach/a11y-scan-worker/internal/broker"
	"github.com/nimbleapproach/a11y-scan-worker/internal/browser"
	cacheClient "github.com/nimbleapproach/a11y-scan-worker/internal/cache"
	"github.com/nimbleapproach/a11y-scan-worker/internal/discovery"
	"github.com/nimbleapproach/a11y-scan-worker/internal/metrics"
	"github.com/nimbleapproach/a11y-scan-worker/internal/model"
	"github.com/nimbleapproach/a11y-scan-worker/internal/persistence"
	"github.com/nimbleapproach/a11y-scan-worker/internal/queue"
	"github.com/nimbleapproach/a11y-scan-worker/internal/scanner"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const scanWaitTimeout = 5 * time.Minute

var (
	cfg        *config.Config
	log        *slog.Logger
	db         *sql.DB
	s3         aws_s3.BucketClient
	cache      cacheClient.CachedClient
	resultRepo persistence.ResultStorage
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	log = setupLogger()
	db = setupDatabase()
	defer closeDatabase()
	s3 = aws_s3.NewS3BucketClient(cfg.S3Settings, log)
	cache = cacheClient.NewMemcachedClient(cfg.CacheSettings, log)
	defer cache.Close()
	resultRepo = persistence.NewResultRepository(db, log)
	m := metrics.New()
	log.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env))

	browsers := browser.NewManager(cfg.BrowserSettings, log)
	if err := browsers.Initialize(ctx); err != nil {
		log.Error("failed to initialize browser.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer browsers.CleanupAll()
	dispatcher := scanner.NewEngineDispatcher(cfg.ScannerSettings, log)
	pages := discovery.NewService(cfg.DiscoverySettings, log)

	q := queue.NewTaskQueue(cfg.QueueSettings, log, func(id string) *queue.Worker {
		return queue.NewWorker(id, browsers, dispatcher, pages, log)
	}, m)
	analyzer := batch.NewAnalyzer(browsers, dispatcher, cfg.BatchSettings, m, log)

	taskChan := make(chan *model.Task, 100)
	resultChan := make(chan *model.TaskResult, 100)

	kafkaWg := &sync.WaitGroup{}
	kafkaWg.Add(1)
	go broker.NewKafkaConsumer(ctx, kafkaWg, taskChan, log, cfg.KafkaSettings.Consumer)

	bridgeWg := &sync.WaitGroup{}
	bridgeWg.Add(1)
	go runTaskBridge(ctx, bridgeWg, taskChan, resultChan, q, analyzer)

	eventWg := &sync.WaitGroup{}
	eventWg.Add(1)
	go consumeEvents(eventWg, q, resultChan)

	kafkaWg.Add(1)
	go broker.NewKafkaProducer(kafkaWg, resultChan, log, cfg.KafkaSettings.Producer)

	go sampleUsage(ctx, q, browsers, m)
	metricsServer := serveMetrics(q, browsers)

	// Graceful shutdown.
	// 1. Stop Kafka Consumer by system call. Close taskChan
	// 2. Wait till the bridge enqueued everything from taskChan
	// 3. Shut down the queue: drain in-flight tasks, close the events channel
	// 4. Wait till the event consumer processed all events. Close resultChan
	// 5. Wait till Producer wrote all results to kafka
	// 6. Close browser, database and memcached connections
	<-ctx.Done()
	log.Info("stopping server...")
	bridgeWg.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.QueueSettings.ShutdownTimeout)
	defer cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		log.Error("queue shutdown incomplete.", slog.String("err", err.Error()))
	}
	eventWg.Wait()
	close(resultChan)
	log.Info("close resultChan.")
	kafkaWg.Wait()
	if err := metricsServer.Shutdown(context.Background()); err != nil {
		log.Error("failed to stop metrics server.", slog.String("err", err.Error()))
	}
}

// runTaskBridge routes incoming kafka tasks. Single-page scans go through the
// cache so a URL scanned within the report TTL is served from the cached
// report instead of being scanned again. Batch tasks carrying an explicit
// page list bypass queue bookkeeping and run on the batch analyzer; everything
// else is enqueued.
func runTaskBridge(ctx context.Context, wg *sync.WaitGroup, taskChan <-chan *model.Task,
	resultChan chan<- *model.TaskResult, q *queue.TaskQueue, analyzer *batch.Analyzer) {
	defer wg.Done()
	scanWg := &sync.WaitGroup{}
	for task := range taskChan {
		switch {
		case task.Type == model.TaskSinglePage:
			scanWg.Add(1)
			go func(task *model.Task) {
				defer scanWg.Done()
				cachedScan(task, resultChan, q)
			}(task)
		case task.Type == model.TaskBatch && task.Options != nil && len(task.Options.Pages) > 0:
			scanWg.Add(1)
			go func(task *model.Task) {
				defer scanWg.Done()
				directBatchScan(ctx, analyzer, task, resultChan)
			}(task)
		default:
			if _, err := q.AddTask(task); err != nil {
				log.Error("failed to enqueue task.", slog.String("url", task.URL),
					slog.String("err", err.Error()))
			}
		}
	}
	scanWg.Wait()
}

// directBatchScan runs one page list through the batch analyzer and pushes
// the aggregated outcome through the same persistence fan-out as queue tasks.
func directBatchScan(ctx context.Context, analyzer *batch.Analyzer, task *model.Task,
	resultChan chan<- *model.TaskResult) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	start := time.Now()
	batchResult, err := analyzer.AnalyzePages(ctx, task.Options.Pages, batch.Options{
		Engines:   task.Options.Engines,
		WaitUntil: task.Options.WaitUntil,
	})

	result := &model.TaskResult{
		TaskID:      task.ID,
		URL:         task.URL,
		Success:     err == nil && len(batchResult.Successful) > 0,
		Duration:    time.Since(start),
		Analyses:    batchResult.Successful,
		CompletedAt: time.Now(),
	}
	switch {
	case err != nil:
		result.Error = err.Error()
	case len(batchResult.Successful) == 0 && len(batchResult.Failed) > 0:
		result.Error = batchResult.Failed[0].Error
	}
	persistResult(result)
	resultChan <- result
}

// cachedScan runs a single-page task through cache.GetOrAnalyze. On a miss
// the compute function enqueues the task and blocks until it finishes; the
// serialized result becomes the cached value. On a hit the queue is never
// touched and the cached result is replayed to resultChan.
func cachedScan(task *model.Task, resultChan chan<- *model.TaskResult, q *queue.TaskQueue) {
	fresh := false
	body, err := cache.GetOrAnalyze(task.URL, func() ([]byte, error) {
		fresh = true
		id, err := q.AddTask(task)
		if err != nil {
			return nil, err
		}
		result, err := q.WaitForCompletion(id, scanWaitTimeout)
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return nil, errors.New(result.Error)
		}
		return jsoniter.Marshal(result)
	}, cfg.CacheSettings.TtlForReport)
	if err != nil {
		log.Warn("single-page scan failed.", slog.String("url", task.URL),
			slog.String("err", err.Error()))
		return
	}
	if fresh {
		// the event consumer already forwarded the result
		return
	}
	var result model.TaskResult
	if err = jsoniter.Unmarshal(body, &result); err != nil {
		log.Error("failed to unmarshal cached result.", slog.String("url", task.URL),
			slog.String("err", err.Error()))
		return
	}
	log.Debug("served scan from cache.", slog.String("url", task.URL))
	resultChan <- &result
}

// persistResult fans one finished result out to storage: report to s3,
// report link to the cache, metadata to the database.
func persistResult(result *model.TaskResult) {
	if result.Success {
		link := s3.WriteReport(result)
		cache.SaveReportLink(result.URL, link)
	}
	resultRepo.Save(result)
}

// consumeEvents forwards every finished queue task through the persistence
// fan-out and on to the kafka producer. Returns when the queue closes its
// events channel on shutdown.
func consumeEvents(wg *sync.WaitGroup, q *queue.TaskQueue, resultChan chan<- *model.TaskResult) {
	defer wg.Done()
	for ev := range q.Events() {
		switch ev.Type {
		case queue.EventTaskCompleted, queue.EventTaskFailed:
			if ev.Result == nil {
				continue
			}
			persistResult(ev.Result)
			resultChan <- ev.Result
		case queue.EventWorkersScaled:
			log.Info("worker pool resized.", slog.Int("workers", ev.Workers))
		default:
		}
	}
}

// sampleUsage refreshes the queue-depth and browser-usage gauges.
func sampleUsage(ctx context.Context, q *queue.TaskQueue, browsers *browser.Manager, m *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := q.QueueStatus()
			m.SetQueueDepth(status.Pending, status.Processing)
			usage := browsers.ResourceUsage()
			m.SetBrowserUsage(usage.Contexts, usage.Pages)
		}
	}
}

func serveMetrics(q *queue.TaskQueue, browsers *browser.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		body, err := jsoniter.Marshal(map[string]any{
			"version": cfg.Version,
			"queue":   q.QueueStatus(),
			"browser": browsers.ResourceUsage(),
			"workers": q.WorkerStatus(),
		})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped.", slog.String("err", err.Error()))
		}
	}()

	return srv
}

func setupLogger() *slog.Logger {
	resolvedLogLevel := func() slog.Level {
		envLogLevel := strings.ToLower(cfg.LogLevel)
		switch envLogLevel {
		case "info":
			return slog.LevelInfo
		case "error":
			return slog.LevelError
		default:
			return slog.LevelDebug
		}
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       resolvedLogLevel(),
			ReplaceAttr: replaceAttrs,
			NoColor:     false}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	log.Info("connecting to the database...")
	sqlCfg := mysql.Config{
		User:                 cfg.DbSettings.User,
		Passwd:               cfg.DbSettings.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%s", cfg.DbSettings.Host, cfg.DbSettings.Port),
		DBName:               cfg.DbSettings.Name,
		AllowNativePasswords: true,
		ParseTime:            true,
	}
	database, err := sql.Open("mysql", sqlCfg.FormatDSN())
	if err != nil {
		log.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		log.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			log.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				log.Error("failed to establish database connection.")
				os.Exit(1)
			}
			log.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	log.Info("connected to the database!")

	return database
}

func closeDatabase() {
	log.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		log.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}
