package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jhgorse/mog/pkg/announce"
	"github.com/jhgorse/mog/pkg/conference"
	"github.com/jhgorse/mog/pkg/config"
	"github.com/jhgorse/mog/pkg/coordinator"
	"github.com/jhgorse/mog/pkg/directory"
	"github.com/jhgorse/mog/pkg/metrics"
)

const statusInterval = 10 * time.Second

func main() {
	var (
		configPath    = flag.String("config", "", "Путь к YAML конфигурации")
		directoryPath = flag.String("directory", "", "Путь к справочнику участников (перекрывает конфигурацию)")
		mode          = flag.String("mode", "join", "Режим: start, join")
		invite        = flag.String("invite", "", "Имена приглашенных через запятую (режим start)")
		debug         = flag.Bool("debug", false, "Отладочное логирование")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logrus.WithError(err).Fatal("Ошибка загрузки конфигурации")
		}
	}
	if *directoryPath != "" {
		cfg.Directory = *directoryPath
	}

	logrus.SetLevel(cfg.Level())
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("app", "mog")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mode, splitNames(*invite), log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("Завершение с ошибкой")
	}
	log.Info("Завершено")
}

func run(ctx context.Context, cfg *config.Config, mode string, invitees []string, log *logrus.Entry) error {
	dir, err := directory.Load(cfg.Directory)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(metrics.Config{Namespace: cfg.Metrics.Namespace, Registerer: registry})
	if err != nil {
		return fmt.Errorf("ошибка регистрации метрик: %w", err)
	}

	announcer, err := announce.New(announce.Config{
		ListenAddr:      cfg.Signaling.Listen,
		DestinationPort: cfg.Signaling.Port,
		Interval:        cfg.Signaling.Interval,
		Logger:          log,
		Metrics:         collector,
	})
	if err != nil {
		return err
	}
	if err := announcer.Start(ctx); err != nil {
		return err
	}
	defer announcer.Stop()

	conf, err := conference.New(conference.Config{
		Signaling:         announcer,
		Directory:         dir,
		Observer:          coordinator.ObserverFunc(logStateChange(log)),
		ListenIP:          cfg.Media.ListenIP,
		BasePort:          cfg.Media.BasePort,
		SourceTimeout:     cfg.Media.SourceTimeout,
		ReportInterval:    cfg.Media.ReportInterval,
		PictureParameters: cfg.Media.PictureParameters,
		MaxOrphans:        cfg.Coordinator.MaxOrphans,
		OrphanMaxAge:      cfg.Coordinator.OrphanMaxAge,
		Logger:            log,
		Metrics:           collector,
	})
	if err != nil {
		return err
	}
	defer conf.Close()

	log = log.WithFields(logrus.Fields{"conference_id": conf.ID(), "me": dir.MyName()})

	group, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Listen != "" {
		server := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			log.WithField("addr", cfg.Metrics.Listen).Info("HTTP сервер метрик запущен")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		switch mode {
		case "start":
			if len(invitees) == 0 {
				return errors.New("режим start требует -invite")
			}
			if err := conf.Start(ctx, invitees); err != nil {
				return err
			}
		case "join":
			if err := conf.Join(ctx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("неизвестный режим: %s (доступные: start, join)", mode)
		}

		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				logStatus(log, conf)
			}
		}
	})

	return group.Wait()
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

func logStateChange(log *logrus.Entry) func(coordinator.StateChange) {
	return func(change coordinator.StateChange) {
		entry := log.WithFields(logrus.Fields{
			"media":   change.Media.String(),
			"ssrc":    change.SSRC,
			"address": change.Address,
			"from":    change.From.String(),
			"to":      change.To.String(),
		})
		if change.Reason != coordinator.ReasonNone {
			entry = entry.WithField("reason", change.Reason.String())
		}
		entry.Info("Состояние потока изменено")
	}
}

// logStatus выводит состояние окон отображения
func logStatus(log *logrus.Entry, conf *conference.Conference) {
	for _, slot := range conf.Slots() {
		log.WithFields(logrus.Fields{
			"slot":    slot.Index,
			"name":    slot.Name,
			"packets": slot.Packets(),
			"frames":  slot.Frames(),
			"audio":   slot.AudioPackets(),
		}).Info("Слот")
	}
	if c := conf.Coordinator(); c != nil {
		log.WithFields(logrus.Fields{
			"active":       c.ActiveCount(),
			"records":      len(c.Records()),
			"video_orphan": len(c.Orphans(coordinator.MediaVideo)),
			"audio_orphan": len(c.Orphans(coordinator.MediaAudio)),
		}).Info("Координатор")
	}
}

func splitNames(list string) []string {
	var names []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
