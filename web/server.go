package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"printhost/config"
	"printhost/printer"
)

// Server is the HTTP control surface. State reads are served from a plain
// observer on the broadcast stream; there is no push transport.
type Server struct {
	printer    *printer.Printer
	cfg        *config.Config
	log        hclog.Logger
	status     *statusObserver
	Router     *gin.Engine
	httpServer *http.Server
}

func NewServer(p *printer.Printer, cfg *config.Config, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		printer: p,
		cfg:     cfg,
		log:     log,
		status:  &statusObserver{},
		Router:  r,
	}
	s.SetupRouts()
	return s
}

func (s *Server) Start() {
	s.printer.RegisterObserver(s.status)

	addr := s.cfg.Web.BindAddress + ":" + strconv.Itoa(s.cfg.Web.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.log.Info("listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server failed", "error", err)
		}
	}()
}

func (s *Server) Stop() {
	s.printer.UnregisterObserver(s.status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.httpServer.Close()
		}
	}
}

func (s *Server) SetupRouts() {
	var route *gin.RouterGroup
	if s.cfg.Web.Username != "" && s.cfg.Web.Password != "" {
		route = s.Router.Group("/", gin.BasicAuth(gin.Accounts{
			s.cfg.Web.Username: s.cfg.Web.Password,
		}))
	} else {
		route = s.Router.Group("/")
	}

	route.GET("/status", s.Status)
	route.GET("/history", s.History)
	route.GET("/connection", s.ConnectionOptions)
	route.GET("/printer/feedrate", s.FeedrateState)
	route.GET("/sd/files", s.SdFiles)

	route.POST("/connection/connect", s.Connect)
	route.POST("/connection/disconnect", s.Disconnect)
	route.POST("/printer/command", s.Command)
	route.POST("/printer/feedrate", s.SetFeedrate)
	route.POST("/job/load", s.LoadJob)
	route.POST("/job/start", s.StartPrint)
	route.POST("/job/pause", s.TogglePause)
	route.POST("/job/cancel", s.CancelPrint)
	route.POST("/sd/select", s.SelectSdFile)
	route.POST("/sd/delete", s.DeleteSdFile)
	route.POST("/sd/upload", s.AddSdFile)
	route.POST("/sd/init", s.InitSdCard)
	route.POST("/sd/release", s.ReleaseSdCard)
	route.POST("/sd/refresh", s.RefreshSdFiles)
}
