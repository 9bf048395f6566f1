package app

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"printhost/comm/bambu"
	"printhost/config"
	"printhost/printer"
	"printhost/web"
)

const version = "0.1.0"

// App wires the configuration, the printer core and the web server.
type App struct {
	cfg *config.Config
	log hclog.Logger

	printer   *printer.Printer
	webserver *web.Server
}

func New() *App {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "printhost",
		Level: hclog.Info,
	})

	cfg, err := config.Load()
	if err != nil {
		log.Error("loading config failed", "error", err)
		os.Exit(1)
	}

	return &App{cfg: cfg, log: log}
}

func (a *App) Version() string {
	return version
}

func (a *App) Run() {
	a.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	a.log.Info("shutting down")
	a.Stop()
}

func (a *App) Start() {
	cfg := a.cfg

	a.printer = printer.New(printer.Options{
		Store:       &logStore{log: a.log.Named("store")},
		Timelapse:   &logTimelapse{log: a.log.Named("timelapse")},
		CommFactory: a.commFactory,
		RateLimit:   time.Duration(cfg.Monitor.RateLimitMs) * time.Millisecond,
		SdSendDelay: time.Duration(cfg.Sd.SendDelayMs) * time.Millisecond,
		HistorySize: cfg.Monitor.HistorySize,
		Logger:      a.log.Named("printer"),
	})

	a.webserver = web.NewServer(a.printer, cfg, a.log.Named("web"))
	a.webserver.Start()

	if cfg.Printer.Hostname != "" {
		a.printer.Connect(cfg.Serial.Port, cfg.Serial.Baud)
	}
}

func (a *App) Stop() {
	a.webserver.Stop()
	a.printer.Stop()
}

func (a *App) commFactory(port string, baud int, sink printer.EventSink) printer.Communicator {
	cfg := a.cfg
	if cfg.Printer.Hostname == "" {
		a.log.Error("no printer hostname configured")
		return nil
	}
	return bambu.New(bambu.Options{
		Hostname: cfg.Printer.Hostname,
		Serial:   cfg.Printer.Serial,
		Password: cfg.Printer.Password,
		Logger:   a.log.Named("bambu"),
	}, sink)
}
