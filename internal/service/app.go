package service

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Nicolas3117/doser-control/internal/config"
	"github.com/Nicolas3117/doser-control/internal/device"
	"github.com/Nicolas3117/doser-control/internal/dosing"
	"github.com/Nicolas3117/doser-control/internal/history"
	"github.com/Nicolas3117/doser-control/internal/models"
	"github.com/Nicolas3117/doser-control/internal/mqtt"
	"github.com/Nicolas3117/doser-control/internal/notify"
	"github.com/Nicolas3117/doser-control/internal/scheduler"
	"github.com/Nicolas3117/doser-control/internal/store"
	"github.com/Nicolas3117/doser-control/internal/tank"
)

// App wires the whole service together.
type App struct {
	cfg       *config.Config
	db        *gorm.DB
	telemetry *mqtt.Publisher
	ctrl      *Controller
	scheduler *scheduler.Scheduler
	server    *http.Server
}

// NewApp builds the service from configuration. newServer is injected so the
// HTTP layer can depend on this package without a cycle.
func NewApp(cfg *config.Config, newServer func(*config.Config, *Controller) *http.Server) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&models.ProgramSnapshot{}, &models.DoseEvent{}); err != nil {
		return nil, err
	}

	kv, err := store.OpenFileKV(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	telemetry, err := mqtt.NewPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password)
	if err != nil {
		return nil, err
	}

	sinks := []notify.Sink{notify.LogSink{}}
	if tg := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID); tg != nil {
		sinks = append(sinks, tg)
	}
	if sl := notify.NewSlack(cfg.Slack.BotToken, cfg.Slack.ChannelID); sl != nil {
		sinks = append(sinks, sl)
	}
	queue := notify.NewQueue(128, sinks...)

	client := device.NewClient(3 * time.Second)
	tanks := tank.NewEngine(kv, loc)
	hist := history.NewRepo(db)
	doser := dosing.NewDoser(client, tanks, hist, loc)

	ctrl := NewController(cfg, kv, tanks, hist, client, doser, queue, telemetry, loc)

	return &App{
		cfg:       cfg,
		db:        db,
		telemetry: telemetry,
		ctrl:      ctrl,
		scheduler: scheduler.NewScheduler(loc, ctrl),
		server:    newServer(cfg, ctrl),
	}, nil
}

// Controller exposes the wired controller, mainly for the debug entrypoint.
func (a *App) Controller() *Controller {
	return a.ctrl
}

// Start runs the service until SIGINT/SIGTERM.
func (a *App) Start() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	a.scheduler.Start()

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Println("Doser control started. Press Ctrl+C to stop.")

	<-sigChan
	a.Stop()
	return nil
}

// Stop shuts the service down.
func (a *App) Stop() {
	log.Println("Shutting down...")

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
	}
	if a.telemetry != nil {
		a.telemetry.Close()
	}

	log.Println("Doser control stopped")
}
