package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Brownie44l1/depth-api/internal/cache"
	"github.com/Brownie44l1/depth-api/internal/config"
	"github.com/Brownie44l1/depth-api/internal/depth"
	"github.com/Brownie44l1/depth-api/internal/handlers"
	"github.com/Brownie44l1/depth-api/internal/logger"
	"github.com/Brownie44l1/depth-api/internal/model"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func logRequests(log *zap.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.String("ip", r.RemoteAddr),
			zap.Duration("cost", time.Since(start)))
	}
}

func main() {
	cfg, err := config.Load(config.ParseConfigFlag())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Server.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	registry, err := model.NewRegistry(cfg.Model.HubDir, cfg.Model.Source, log)
	if err != nil {
		log.Fatal("failed to open model registry", zap.Error(err))
	}

	log.Info("loading model",
		zap.String("model", cfg.Model.Name),
		zap.String("source", string(cfg.Model.Source.Kind)),
		zap.String("root", registry.Root()))

	modelServer, err := model.NewServer(ctx, registry, cfg.Model.Config, log)
	if err != nil {
		log.Fatal("failed to initialize model server", zap.Error(err))
	}
	defer modelServer.Close()

	pipeline := depth.NewPipeline(modelServer, log)

	var resultCache cache.Cache
	if cfg.Cache.Enabled {
		rc := cache.NewRedisCache(redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		}), cfg.Cache.TTL)
		if err := rc.Ping(ctx); err != nil {
			log.Warn("redis connection failed, cache disabled", zap.Error(err))
			rc.Close()
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Addr))
			resultCache = rc
			defer rc.Close()
		}
	}

	handler := handlers.NewHandler(pipeline, resultCache, handlers.Config{
		ModelName:     cfg.Model.Name,
		Defaults:      cfg.Inference.Options(),
		MaxUploadSize: cfg.Server.MaxUploadSize,
		MaxInputSide:  cfg.Inference.MaxInputSide,
	}, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", enableCORS(handler.Health))
	mux.HandleFunc("/predict", enableCORS(logRequests(log, handler.Predict)))
	mux.HandleFunc("/predict/image", enableCORS(logRequests(log, handler.PredictFromImage)))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Info("server starting",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("endpoints", []string{
			"GET /health",
			"POST /predict",
			"POST /predict/image",
		}))

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}
