package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/normanking/avatarchat/internal/audio"
	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/bus"
	"github.com/normanking/avatarchat/internal/config"
	"github.com/normanking/avatarchat/internal/conversation"
	"github.com/normanking/avatarchat/internal/hub"
	"github.com/normanking/avatarchat/internal/logging"
	"github.com/normanking/avatarchat/internal/playback"
	"github.com/normanking/avatarchat/internal/poller"
	"github.com/normanking/avatarchat/internal/session"
	"github.com/normanking/avatarchat/internal/widget"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the widget and accept renderer connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return serve(cmd.Context(), loader, cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address, overrides server.listen")
	return cmd
}

// app holds the running components of one widget.
type app struct {
	store   session.Store
	watcher *poller.FAQPoller
	hub     *hub.Hub
	widget  *widget.Widget
}

func newStore(cfg *config.SessionConfig, log *logging.Logger) (session.Store, error) {
	opts := []session.StoreOption{
		session.WithNamespace(cfg.Namespace),
		session.WithLogger(log.Zerolog()),
	}
	switch session.StoreType(cfg.Driver) {
	case session.StoreTypeFile:
		opts = append(opts, session.WithFilePath(cfg.Path))
	case session.StoreTypeRedis:
		opts = append(opts, session.WithRedisClient(redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})))
	}
	return session.NewStore(session.StoreType(cfg.Driver), opts...)
}

func buildApp(cfg *config.Config, log *logging.Logger) (*app, error) {
	store, err := newStore(&cfg.Session, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	eventBus := bus.NewEventBus()
	client := backend.NewClient(&backend.ClientConfig{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
	}, log.Component("backend"))
	sess := session.New(store, client, log.Zerolog())

	hubCfg := hub.DefaultConfig()
	hubCfg.AckTimeout = cfg.Server.AckTimeout
	h := hub.New(hubCfg, log.Zerolog())
	h.Forward(eventBus)

	device := audio.NewPushDevice(cfg.Audio.SampleRate)
	device.SetHooks(h.MicStart, h.MicStop)
	h.SetAudioSink(device)
	capture := audio.NewCaptureEngine(&audio.CaptureConfig{
		AnalysisWindow:   cfg.Audio.AnalysisWindow,
		SilenceThreshold: cfg.Audio.SilenceThreshold,
		SilenceDebounce:  cfg.Audio.SilenceDebounce,
	}, device, eventBus, log.Zerolog())

	watcher := poller.NewFAQPoller(client, cfg.Poller.FAQInterval, log.Zerolog())
	avatar := playback.NewController(&playback.Config{
		IdleRate:     cfg.Playback.IdleRate,
		ReactiveRate: cfg.Playback.ReactiveRate,
		DefaultIcon:  cfg.Playback.DefaultIcon,
		ResolveURL:   client.ResolveURL,
	}, h, sess, client, watcher, eventBus, log.Zerolog())

	jobs := poller.New(&poller.Config{
		FAQInterval:        cfg.Poller.FAQInterval,
		BackgroundInterval: cfg.Poller.BackgroundInterval,
	}, client, sess, h, eventBus, log.Zerolog())

	convCfg := conversation.DefaultConfig()
	convCfg.NudgeAfter = cfg.Conversation.NudgeAfter
	convCfg.AutoCloseAfter = cfg.Conversation.AutoCloseAfter
	convCfg.RagTimeout = cfg.Conversation.RagTimeout
	convCfg.Suggestions = cfg.Conversation.Suggestions
	convCfg.EmbedChatbotID = cfg.Widget.EmbedChatbotID
	conv := conversation.NewController(convCfg, client, sess, avatar, h, eventBus, log.Zerolog())

	w := widget.New(widget.Deps{
		Session:      sess,
		Conversation: conv,
		Avatar:       avatar,
		Jobs:         jobs,
		Capture:      capture,
		Transcriber:  client,
		Modal:        h,
		EventBus:     eventBus,
	}, log.Zerolog())
	h.SetHandler(w.Handle)
	h.SetLostHandler(w.RendererLost)

	if sess.Language() == session.DefaultLanguage && cfg.Conversation.Language != "" {
		if err := w.SetLanguage(cfg.Conversation.Language); err != nil {
			log.Warn("main", "Failed to apply configured language", map[string]interface{}{"error": err.Error()})
		}
	}

	log.SetOnLog(func(e logging.LogEntry) {
		if e.Level != string(logging.LevelWarn) && e.Level != string(logging.LevelError) {
			return
		}
		eventBus.Publish(bus.Event{Type: bus.EventTypeLog, Data: map[string]any{
			"level":     e.Level,
			"component": e.Component,
			"message":   e.Message,
			"data":      e.Data,
		}})
	})

	return &app{store: store, watcher: watcher, hub: h, widget: w}, nil
}

func (a *app) shutdown(ctx context.Context) {
	a.widget.Shutdown(ctx)
	a.watcher.Stop()
	a.hub.Close()
	_ = a.store.Close()
}

func serve(ctx context.Context, loader *config.Loader, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	log.Info("main", "avatarchat starting", map[string]interface{}{
		"version": version,
		"config":  loader.ConfigFileUsed(),
		"backend": cfg.Backend.BaseURL,
		"session": cfg.Session.Driver,
	})

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.widget.Start(ctx)

	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			log.Warn("config", "Failed to reload config", map[string]interface{}{"error": err.Error()})
			return
		}
		log.Info("config", "Config file changed, restart to apply", map[string]interface{}{
			"file": loader.ConfigFileUsed(),
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", a.hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok renderers=%d\n", a.hub.Clients())
	})
	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(log.GetHistory(limit))
	})
	if cfg.Server.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("main", "Listening for renderers", map[string]interface{}{"addr": cfg.Server.Listen})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("main", "Shutting down", nil)
	case err := <-errCh:
		if err != nil {
			log.Error("main", "HTTP server failed", err, nil)
		}
		a.shutdown(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("main", "HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	a.shutdown(shutdownCtx)
	log.Info("main", "avatarchat stopped", nil)
	return nil
}
