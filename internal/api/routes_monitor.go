package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/warden-project/warden/internal/supervisor"
	"github.com/warden-project/warden/internal/util"
)

// AppVersion is reported by /api/public/version.
const AppVersion = "1.0.0"

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": AppVersion})
}

func (s *Server) handleGetServers(c *gin.Context) {
	resp := s.sup.Handle(c.Request.Context(), supervisor.Command{Type: supervisor.CmdGetServers})
	writeCommandResponse(c, resp)
}

func (s *Server) handleGetStatus(c *gin.Context) {
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdGetStatus})
}

func (s *Server) handleGetQueue(c *gin.Context) {
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdGetQueue})
}

func (s *Server) handleGetServerLogs(c *gin.Context) {
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdGetLogs})
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdGetStrategy})
}

func (s *Server) handleGetFarmIntel(c *gin.Context) {
	s.dispatch(c, supervisor.Command{Type: supervisor.CmdGetFarmIntel})
}

// handleGetGlobalLogs returns the recent in-memory log ring across all
// servers.
func (s *Server) handleGetGlobalLogs(c *gin.Context) {
	entries := s.ring.Entries()

	count := len(entries)
	if countStr := c.Query("count"); countStr != "" {
		if n, err := strconv.Atoi(countStr); err == nil && n > 0 && n < count {
			count = n
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries[len(entries)-count:],
		"count":   count,
	})
}

// handleGetSystem returns host resource usage for the dashboard.
func (s *Server) handleGetSystem(c *gin.Context) {
	cpuPct, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	memUsage, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cpu_percent":  cpuPct,
		"total_mb":     memUsage.Total,
		"used_mb":      memUsage.Used,
		"available_mb": memUsage.Available,
		"used_percent": memUsage.UsedPercent,
	})
}

// parseTaskID extracts the task id route parameter, returning 0 for a
// malformed value so the supervisor rejects it with its own error.
func parseTaskID(c *gin.Context) int64 {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
