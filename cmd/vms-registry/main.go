package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"vms-registry/internal/config"
	"vms-registry/internal/database"
	httpapi "vms-registry/internal/http"
	"vms-registry/internal/logger"
	"vms-registry/internal/media"
	"vms-registry/internal/mqtt"
	"vms-registry/internal/reconcile"
	"vms-registry/internal/repository"
	"vms-registry/internal/store"
)

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "vms-registry")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// KV backend: Redis when reachable, in-process otherwise. The lock and
	// cache contracts hold either way; memory mode is only safe with a
	// single registry instance.
	var kv store.KV
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("Redis unreachable, falling back to in-process KV", zap.Error(err))
			kv = store.NewMemoryKV()
		} else {
			kv = store.NewRedisKV(redisClient)
			defer redisClient.Close()
		}
	} else {
		kv = store.NewMemoryKV()
	}

	locker := reconcile.NewKVLocker(kv, cfg.Reconcile.LockLease)

	// Record stores: Postgres when enabled and reachable, memory otherwise.
	var db *sql.DB
	if cfg.DBEnabled {
		if d, derr := database.NewPostgresDB(&cfg.Database); derr == nil {
			db = d
			defer database.Close(db)
			log.Info("DB enabled for vms-registry")
		} else {
			log.Warn("DB enabled but connection failed, falling back to memory store", zap.Error(derr))
		}
	}

	newStore := func(table, kind string) repository.RecordStore {
		if db != nil {
			return repository.NewPostgresRecords(db, table, kind, log)
		}
		return repository.NewMemoryRecords(kind)
	}

	opts := reconcile.Options{LockTimeout: cfg.Reconcile.LockTimeout}
	newEngine := func(kind reconcile.Kind, table string) *reconcile.Engine {
		cache := reconcile.NewCache(kv, kind.Name, cfg.Reconcile.CacheTTL, log)
		return reconcile.NewEngine(kind, newStore(table, kind.Name), cache, locker, log, opts)
	}

	devices := newEngine(reconcile.KindDevice, repository.TableDevices)
	streams := newEngine(reconcile.KindStream, repository.TableStreamProxies)
	nodes := newEngine(reconcile.KindNode, repository.TableMediaNodes)

	var mediaClient *media.Client
	if cfg.Media.APIBase != "" {
		mediaClient = media.NewClient(cfg.Media.APIBase, cfg.Media.Secret, log)
	}

	router := httpapi.NewRouter(log)
	httpapi.NewHookHandler(nodes, streams, mediaClient, log).RegisterRoutes(router)
	httpapi.NewRegistryHandler(devices, streams, nodes, mediaClient, log).RegisterRoutes(router)

	// device keepalives arrive over MQTT from the signalling gateway
	if cfg.MQTT.Enabled {
		mqttClient, merr := mqtt.NewClient(&cfg.MQTT, log)
		if merr != nil {
			log.Warn("MQTT enabled but connection failed, keepalives disabled", zap.Error(merr))
		} else {
			defer mqttClient.Close()
			broker := mqtt.NewKeepaliveBroker(devices, log)
			if serr := mqttClient.Subscribe(cfg.MQTT.Topic, cfg.MQTT.QoS, broker.HandleMessage); serr != nil {
				log.Error("MQTT subscribe failed", zap.Error(serr))
			} else {
				log.Info("subscribed to keepalive topic", zap.String("topic", cfg.MQTT.Topic))
			}
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	go func() {
		log.Info("vms-registry listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
}
