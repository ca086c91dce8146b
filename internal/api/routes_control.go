package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/supervisor"
)

// handleCommand accepts a raw supervisor command envelope. This is the
// same format the page executor sends over the websocket gateway, so
// dashboards can drive every operation through one endpoint.
func (s *Server) handleCommand(c *gin.Context) {
	var cmd supervisor.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command payload"})
		return
	}
	if cmd.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command type is required"})
		return
	}

	resp := s.sup.Handle(c.Request.Context(), cmd)
	writeCommandResponse(c, resp)
}

// dispatch runs a command built from route parameters through the
// supervisor and writes the uniform response.
func (s *Server) dispatch(c *gin.Context, cmd supervisor.Command) {
	cmd.ServerKey = c.Param("serverKey")
	if cmd.ServerKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serverKey is required"})
		return
	}
	resp := s.sup.Handle(c.Request.Context(), cmd)
	writeCommandResponse(c, resp)
}

func writeCommandResponse(c *gin.Context, resp supervisor.Response) {
	if !resp.Success {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": resp.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp.Data})
}

func (s *Server) handleStartBot(c *gin.Context) {
	log.Info().Str("server", c.Param("serverKey")).Msg("API: start bot")
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdStartBot})
}

func (s *Server) handleStopBot(c *gin.Context) {
	log.Info().Str("server", c.Param("serverKey")).Msg("API: stop bot")
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdStopBot})
}

func (s *Server) handlePauseBot(c *gin.Context) {
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdPauseBot})
}

func (s *Server) handleResumeBot(c *gin.Context) {
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdResumeBot})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&body) // reason is optional

	log.Warn().
		Str("server", c.Param("serverKey")).
		Str("reason", body.Reason).
		Msg("API: emergency stop")

	s.dispatch(c, supervisor.Command{
		Type:    supervisor.CmdEmergencyStop,
		Payload: map[string]any{"reason": body.Reason},
	})
}

func (s *Server) handleSaveConfig(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config payload"})
		return
	}
	s.dispatch(c, supervisor.Command{
		Type:    supervisor.CmdSaveConfig,
		Payload: map[string]any{"config": raw},
	})
}

// handleRequestScan drives an on-demand two-page scan. This can take
// tens of seconds against a slow page; clients should use a generous
// timeout.
func (s *Server) handleRequestScan(c *gin.Context) {
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdRequestScan})
}

func (s *Server) handleAddTask(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task payload"})
		return
	}
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdAddTask, Payload: payload})
}

func (s *Server) handleRemoveTask(c *gin.Context) {
	s.dispatch(c, supervisor.Command{
		Type:    supervisor.CmdRemoveTask,
		Payload: map[string]any{"id": parseTaskID(c)},
	})
}

func (s *Server) handleClearQueue(c *gin.Context) {
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdClearQueue})
}
