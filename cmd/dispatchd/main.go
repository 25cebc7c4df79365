// Command dispatchd runs the translation dispatch core as a standalone
// local HTTP service: the harness a browser extension's background
// script would talk to instead of linking the dispatcher in-process.
// Wiring here follows the teacher's cmd/server entrypoint shape: load
// config, set up logging, build shared infrastructure bottom-up, start
// the watcher and the HTTP server, and wait for a shutdown signal.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/immersive-translate/dispatch-core/internal/batchqueue"
	"github.com/immersive-translate/dispatch-core/internal/cache"
	"github.com/immersive-translate/dispatch-core/internal/chatpool"
	"github.com/immersive-translate/dispatch-core/internal/config"
	"github.com/immersive-translate/dispatch-core/internal/dispatcher"
	"github.com/immersive-translate/dispatch-core/internal/genai"
	"github.com/immersive-translate/dispatch-core/internal/genaibatch"
	"github.com/immersive-translate/dispatch-core/internal/httpclient"
	"github.com/immersive-translate/dispatch-core/internal/logging"
	"github.com/immersive-translate/dispatch-core/internal/model"
	"github.com/immersive-translate/dispatch-core/internal/requestqueue"
	"github.com/immersive-translate/dispatch-core/internal/transport"
)

func main() {
	configPath := flag.String("config", "dispatchd.yaml", "path to the YAML configuration file")
	flag.Parse()

	logging.Setup()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warnf("dispatchd: %v, falling back to defaults", err)
		cfg = config.Default()
	}
	logging.SetLevel(cfg.Debug)
	if cfg.LogDir != "" {
		if err = logging.ToFile(cfg.LogDir, "dispatchd.log", 50); err != nil {
			log.Errorf("dispatchd: could not switch to file logging: %v", err)
		}
	}

	httpClient := httpclient.New(cfg.ProxyURL, 60*time.Second)

	c, err := cache.Open(cfg.CachePath)
	if err != nil {
		log.Fatalf("dispatchd: open cache: %v", err)
	}
	defer c.Close()

	store, err := chatpool.OpenStore(cfg.ChatPool.PersistPath)
	if err != nil {
		log.Fatalf("dispatchd: open chat pool store: %v", err)
	}
	defer store.Close()

	pool := chatpool.New(store, cfg.ChatPool.MaxSlotsPerKey, cfg.ChatPool.IdleTTL)
	if err = pool.Hydrate(); err != nil {
		log.Warnf("dispatchd: chat pool hydrate: %v", err)
	}

	reg := dispatcher.NewProviderRegistry()
	for _, p := range cfg.Providers {
		reg.Set(p.ToProviderConfig())
	}

	rq := requestqueue.New(requestqueue.Config{
		RatePerSecond:    cfg.RequestQueue.RatePerSecond,
		Capacity:         cfg.RequestQueue.Capacity,
		TimeoutMs:        cfg.RequestQueue.TimeoutMs,
		MaxRetries:       cfg.RequestQueue.MaxRetries,
		BaseRetryDelayMs: cfg.RequestQueue.BaseRetryDelayMs,
		MaxRetryDelayMs:  cfg.RequestQueue.MaxRetryDelayMs,
	})

	bq := batchqueue.New(batchqueue.Config{
		MaxCharactersPerBatch: cfg.BatchQueue.MaxCharactersPerBatch,
		MaxItemsPerBatch:      cfg.BatchQueue.MaxItemsPerBatch,
		BatchDelay:            time.Duration(cfg.BatchQueue.BatchDelayMs) * time.Millisecond,
		MaxRetries:            cfg.BatchQueue.MaxRetries,
		FallbackToIndividual:  cfg.BatchQueue.FallbackToIndividual,
	}, rq, dispatcher.NewLLMExecutor(reg, genericLLMBatchCall(httpClient)), dispatcher.NewLLMIndividualExecutor(reg, genericLLMIndividualCall(httpClient)))

	d := dispatcher.New(
		dispatcher.Config{
			MaxSlotsPerKey:           cfg.ChatPool.MaxSlotsPerKey,
			MaxRecoveryAttempts:      cfg.GenAI.MaxRecoveryAttempts,
			PollBaseInterval:         time.Duration(cfg.GenAI.PollBaseIntervalMs) * time.Millisecond,
			PollMaxBackoffMultiplier: cfg.GenAI.PollMaxBackoffMultiplier,
			PollTimeout:              time.Duration(cfg.GenAI.PollTimeoutMs) * time.Millisecond,
			SessionProbeEnabled:      cfg.GenAI.SessionProbeEnabled,
			SessionProbeCacheTTL:     cfg.GenAI.SessionProbeCacheTTL,
		},
		c, rq, bq, pool, reg,
		func(baseURL string) *genai.Client { return genai.NewClient(baseURL, httpClient) },
		simpleProviderCall(httpClient),
	)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if watcher, errWatch := config.NewWatcher(*configPath); errWatch != nil {
		log.Warnf("dispatchd: config hot-reload disabled: %v", errWatch)
	} else {
		watcher.Start(watchCtx)
		go func() {
			for newCfg := range watcher.Subscribe() {
				logging.SetLevel(newCfg.Debug)
				rq.Reconfigure(requestqueue.Config{
					RatePerSecond:    newCfg.RequestQueue.RatePerSecond,
					Capacity:         newCfg.RequestQueue.Capacity,
					TimeoutMs:        newCfg.RequestQueue.TimeoutMs,
					MaxRetries:       newCfg.RequestQueue.MaxRetries,
					BaseRetryDelayMs: newCfg.RequestQueue.BaseRetryDelayMs,
					MaxRetryDelayMs:  newCfg.RequestQueue.MaxRetryDelayMs,
				})
				bq.Reconfigure(batchqueue.Config{
					MaxCharactersPerBatch: newCfg.BatchQueue.MaxCharactersPerBatch,
					MaxItemsPerBatch:      newCfg.BatchQueue.MaxItemsPerBatch,
					BatchDelay:            time.Duration(newCfg.BatchQueue.BatchDelayMs) * time.Millisecond,
					MaxRetries:            newCfg.BatchQueue.MaxRetries,
					FallbackToIndividual:  newCfg.BatchQueue.FallbackToIndividual,
				})
				for _, p := range newCfg.Providers {
					reg.Set(p.ToProviderConfig())
				}
			}
		}()
		defer watcher.Stop()
	}

	srv := transport.New(d, genaibatch.Config{
		MaxItemsPerBatch:      cfg.BatchQueue.MaxItemsPerBatch,
		MaxCharactersPerBatch: cfg.BatchQueue.MaxCharactersPerBatch,
		FlushDelay:            time.Duration(cfg.BatchQueue.BatchDelayMs) * time.Millisecond,
	})

	serveErr := make(chan error, 1)
	go func() {
		if err = srv.Run(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-serveErr:
		if err != nil {
			log.Errorf("dispatchd: server error: %v", err)
		}
	case s := <-sig:
		log.Infof("dispatchd: received %s, shutting down", s)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = srv.Shutdown(); err != nil {
		log.Errorf("dispatchd: transport shutdown: %v", err)
	}
	if err = d.Close(shutdownCtx); err != nil {
		log.Errorf("dispatchd: dispatcher close: %v", err)
	}
	log.Info("dispatchd: stopped")
}

// genericLLMBatchCall and genericLLMIndividualCall are placeholders for
// the injected generic-LLM wire protocol spec.md §1 deliberately
// excludes from the core. They make no network call: each always
// returns an error naming the provider. A real deployment replaces
// them with an actual provider client.
func genericLLMBatchCall(httpClient *http.Client) dispatcher.LLMBatchFn {
	return func(ctx context.Context, provider model.ProviderConfig, lang model.LangConfig, combinedText string, taskCount int) (string, error) {
		return "", errors.New("dispatchd: no generic-LLM provider wired for " + provider.ID)
	}
}

func genericLLMIndividualCall(httpClient *http.Client) dispatcher.LLMIndividualFn {
	return func(ctx context.Context, provider model.ProviderConfig, lang model.LangConfig, text, hash string) (string, error) {
		return "", errors.New("dispatchd: no generic-LLM provider wired for " + provider.ID)
	}
}

func simpleProviderCall(httpClient *http.Client) dispatcher.SimpleFn {
	return func(ctx context.Context, req model.TranslationRequest) (string, error) {
		return "", errors.New("dispatchd: no simple provider wired for " + req.Provider.ID)
	}
}
