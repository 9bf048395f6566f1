package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// baudrateList is the set of rates offered on the connect form.
var baudrateList = []int{250000, 230400, 115200, 57600, 38400, 19200, 9600}

func (s *Server) Status(c *gin.Context) {
	snapshot, ok := s.status.latest()
	if !ok {
		snapshot = s.printer.CurrentData()
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) History(c *gin.Context) {
	c.JSON(http.StatusOK, s.printer.History())
}

func (s *Server) ConnectionOptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"baudrates":          baudrateList,
		"portPreference":     s.cfg.Serial.Port,
		"baudratePreference": s.cfg.Serial.Baud,
		"state":              s.printer.StateString(),
	})
}

func (s *Server) Connect(c *gin.Context) {
	var req struct {
		Port string `json:"port"`
		Baud int    `json:"baudrate"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Port == "" {
		req.Port = s.cfg.Serial.Port
	}
	if req.Baud == 0 {
		req.Baud = s.cfg.Serial.Baud
	}
	s.printer.Connect(req.Port, req.Baud)
	c.Status(http.StatusNoContent)
}

func (s *Server) Disconnect(c *gin.Context) {
	s.printer.Disconnect()
	c.Status(http.StatusNoContent)
}

func (s *Server) Command(c *gin.Context) {
	var req struct {
		Command  string   `json:"command"`
		Commands []string `json:"commands"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Command != "" {
		s.printer.SendCommand(req.Command)
	}
	if len(req.Commands) > 0 {
		s.printer.SendCommands(req.Commands)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) LoadJob(c *gin.Context) {
	var req struct {
		File  string `json:"file"`
		Print bool   `json:"print"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.File == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	s.printer.LoadJob(req.File, req.Print)
	c.Status(http.StatusNoContent)
}

func (s *Server) StartPrint(c *gin.Context) {
	s.printer.StartPrint()
	c.Status(http.StatusNoContent)
}

func (s *Server) TogglePause(c *gin.Context) {
	s.printer.TogglePause()
	c.Status(http.StatusNoContent)
}

func (s *Server) CancelPrint(c *gin.Context) {
	req := struct {
		DisableMotorsAndHeater *bool `json:"disable"`
	}{}
	_ = c.ShouldBindJSON(&req)
	disable := true
	if req.DisableMotorsAndHeater != nil {
		disable = *req.DisableMotorsAndHeater
	}
	s.printer.CancelPrint(disable)
	c.Status(http.StatusNoContent)
}

func (s *Server) FeedrateState(c *gin.Context) {
	feedrates := s.printer.FeedrateState()
	if feedrates == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, feedrates)
}

func (s *Server) SetFeedrate(c *gin.Context) {
	var req struct {
		Structure  string  `json:"structure"`
		Percentage float64 `json:"percentage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.printer.SetFeedrateModifier(req.Structure, req.Percentage)
	c.Status(http.StatusNoContent)
}

func (s *Server) SdFiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"files": s.printer.SdFiles(),
		"rev":   s.status.filesRevision(),
	})
}

func (s *Server) SelectSdFile(c *gin.Context) {
	var req struct {
		File  string `json:"file"`
		Print bool   `json:"print"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.File == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	s.printer.SelectSdFile(req.File, req.Print)
	c.Status(http.StatusNoContent)
}

func (s *Server) DeleteSdFile(c *gin.Context) {
	var req struct {
		File string `json:"file"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.File == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	s.printer.DeleteSdFile(req.File)
	c.Status(http.StatusNoContent)
}

func (s *Server) AddSdFile(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" || req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and path required"})
		return
	}
	s.printer.AddSdFile(req.Name, req.Path)
	c.Status(http.StatusNoContent)
}

func (s *Server) InitSdCard(c *gin.Context) {
	s.printer.InitSdCard()
	c.Status(http.StatusNoContent)
}

func (s *Server) ReleaseSdCard(c *gin.Context) {
	s.printer.ReleaseSdCard()
	c.Status(http.StatusNoContent)
}

func (s *Server) RefreshSdFiles(c *gin.Context) {
	s.printer.RefreshSdFiles()
	c.Status(http.StatusNoContent)
}
