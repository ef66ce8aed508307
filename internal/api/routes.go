package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tindale/gantry/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser dashboards connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerRoutes(router *gin.Engine, opts *StartOpts) {
	startedAt := time.Now()

	router.GET("/ws", wsHandler(opts))
	router.POST("/send-gcode", sendGcodeHandler(opts))
	router.POST("/start-job", startJobHandler(opts))
	router.POST("/stop-job", stopJobHandler(opts))
	router.GET("/check-gcode-status", checkGcodeStatusHandler(opts))
	router.GET("/job-status", jobStatusHandler(opts))
	router.GET("/stats", statsHandler(opts, startedAt))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
			"endpoints": []string{
				"GET /ws",
				"POST /send-gcode",
				"POST /start-job",
				"POST /stop-job",
				"GET /check-gcode-status",
				"GET /job-status",
				"GET /stats",
			},
		})
	})
}

func wsHandler(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := protocol.ParseRole(c.Query("type"))
		id := c.Query("id")

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("api: websocket upgrade failed: %v", err)
			return
		}
		opts.Hub.ServeConn(conn, role, id)
	}
}

type sendGcodeRequest struct {
	MachineID  string `json:"machineId"`
	Gcode      string `json:"gcode"`
	LineNumber int    `json:"lineNumber"`
	JobID      string `json:"jobId"`
}

func sendGcodeHandler(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendGcodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON body"})
			return
		}
		if req.MachineID == "" || req.Gcode == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "machineId and gcode are required"})
			return
		}

		machineID, jobID, err := opts.Hub.SendGcode(req.MachineID, req.Gcode, req.LineNumber, req.JobID)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"message":    "G-code sent to " + machineID,
			"machineId":  machineID,
			"jobId":      jobID,
			"lineNumber": req.LineNumber,
			"timestamp":  protocol.Now(),
		})
	}
}

type startJobRequest struct {
	MachineID string `json:"machineId"`
	Gcode     string `json:"gcode"`
	JobID     string `json:"jobId"`
}

func startJobHandler(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON body"})
			return
		}
		if req.MachineID == "" || req.Gcode == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "machineId and gcode are required"})
			return
		}

		jobID, err := opts.Hub.StartJob(req.MachineID, req.JobID, req.Gcode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"jobId":     jobID,
			"timestamp": protocol.Now(),
		})
	}
}

type stopJobRequest struct {
	MachineID string `json:"machineId"`
	JobID     string `json:"jobId"`
}

func stopJobHandler(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stopJobRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.MachineID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "machineId is required"})
			return
		}
		stopped := opts.Hub.StopJob(req.MachineID, req.JobID)
		c.JSON(http.StatusOK, gin.H{"success": true, "stopped": stopped})
	}
}

func checkGcodeStatusHandler(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID := c.Query("machineId")
		jobID := c.Query("jobId")
		lineStr := c.Query("lineNumber")
		if machineID == "" || jobID == "" || lineStr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "machineId, lineNumber, and jobId are required"})
			return
		}
		lineNumber, err := strconv.Atoi(lineStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lineNumber must be an integer"})
			return
		}

		res := opts.Ledger.Query(jobID, lineNumber)
		body := gin.H{
			"completed":  res.Completed,
			"response":   nil,
			"machineId":  machineID,
			"jobId":      jobID,
			"lineNumber": lineNumber,
			"timestamp":  protocol.Now(),
		}
		if res.Completed {
			body["response"] = res.Response
			body["timestamp"] = res.RecordedAt
		}
		c.JSON(http.StatusOK, body)
	}
}

func jobStatusHandler(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID := c.Query("machineId")
		if machineID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "machineId is required"})
			return
		}
		status, ok := opts.Jobs.ActiveJob(opts.Table.ResolveAddress(machineID))
		if !ok {
			c.JSON(http.StatusOK, gin.H{"active": false, "machineId": machineID})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": true, "job": status})
	}
}

func statsHandler(opts *StartOpts, startedAt time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connectedClients": opts.Hub.ConnectedCount(),
			"machineStatus":    opts.Table.Snapshot(),
			"uptimeSeconds":    int(time.Since(startedAt).Seconds()),
			"timestamp":        protocol.Now(),
		})
	}
}
