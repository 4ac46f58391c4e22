package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/orchestrator"
	"tabrelay/internal/persona"
)

type api struct {
	engine  *orchestrator.Engine
	persona *persona.Coordinator
	hub     http.Handler
	metrics http.Handler
	logger  logrus.FieldLogger
}

func (a *api) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.logRequests())

	r.GET("/healthz", a.handleHealth)
	r.GET("/state", a.handleState)

	r.GET("/templates", a.handleTemplates)
	r.GET("/templates/export", a.handleExportTemplates)
	r.GET("/templates/:id", a.handleTemplate)
	r.GET("/runs/history", a.handleRunsHistory)
	r.GET("/persona", a.handlePersonaState)

	// Mutations need a content type that forces a CORS preflight.
	mutate := r.Group("", requireContentType(jsonContentType))
	mutate.PUT("/templates", a.handleSaveTemplate)
	mutate.POST("/templates/:id/select", a.handleSelectTemplate)
	mutate.PUT("/slots/:slot", a.handleBindSlot)
	mutate.POST("/runs", a.handleStartRun)
	mutate.POST("/runs/:action", a.handleRunControl)
	mutate.PUT("/runs/name", a.handleRunName)
	mutate.POST("/workers/:id/commands", a.handleWorkerCommand)
	mutate.POST("/persona/start", a.handlePersonaStart)
	mutate.POST("/persona/stop", a.handlePersonaStop)
	r.POST("/templates/import", requireContentType(jsonContentType, "application/yaml", "application/x-yaml", "text/yaml"), a.handleImportTemplates)

	if a.hub != nil {
		r.GET("/ws", gin.WrapH(a.hub))
	}
	metrics := a.metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.GET("/metrics", gin.WrapH(metrics))
	return r
}

const jsonContentType = "application/json"

var errUnsupportedMediaType = errors.New("unsupported content type")

// requireContentType rejects requests whose Content-Type is not listed, even
// when they carry no body.
func requireContentType(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.ContentType()
		for _, ct := range allowed {
			if strings.EqualFold(got, ct) {
				c.Next()
				return
			}
		}
		writeError(c, http.StatusUnsupportedMediaType, fmt.Errorf("%w %q, want %s", errUnsupportedMediaType, got, strings.Join(allowed, " or ")))
		c.Abort()
	}
}

func (a *api) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start),
		}).Debug("http request")
	}
}

func (a *api) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"workers": len(a.engine.Registry().Workers()),
	})
}

func (a *api) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.State())
}

func (a *api) handleTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.Templates())
}

func (a *api) handleTemplate(c *gin.Context) {
	t, ok := a.engine.Template(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, orchestrator.ErrTemplateNotFound)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *api) handleSaveTemplate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	t, err := orchestrator.ParseTemplateJSON(body)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := a.engine.SaveTemplate(c.Request.Context(), t); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *api) handleImportTemplates(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	n, err := a.engine.ImportTemplatesYAML(c.Request.Context(), body)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": n})
}

func (a *api) handleExportTemplates(c *gin.Context) {
	out, err := a.engine.ExportTemplatesYAML()
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "application/yaml", out)
}

func (a *api) handleSelectTemplate(c *gin.Context) {
	if err := a.engine.SelectTemplate(c.Param("id")); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selectedTemplateId": c.Param("id"), "slots": a.engine.Slots()})
}

func (a *api) handleBindSlot(c *gin.Context) {
	var req struct {
		WorkerID string `json:"workerId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := a.engine.BindSlot(c.Param("slot"), req.WorkerID); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, a.engine.Slots())
}

func (a *api) handleStartRun(c *gin.Context) {
	var req struct {
		TemplateID      string `json:"templateId"`
		InitialArtifact string `json:"initialArtifact"`
		Name            string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	run, err := a.engine.StartRun(req.TemplateID, req.InitialArtifact, req.Name)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (a *api) handleRunControl(c *gin.Context) {
	var err error
	switch c.Param("action") {
	case "pause":
		err = a.engine.PauseRun()
	case "resume":
		err = a.engine.ResumeRun()
	case "stop":
		err = a.engine.StopRun()
	case "step":
		err = a.engine.Step()
	default:
		writeError(c, http.StatusNotFound, errors.New("unknown run action "+c.Param("action")))
		return
	}
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	run, _ := a.engine.ActiveRun()
	c.JSON(http.StatusOK, run)
}

func (a *api) handleRunName(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := a.engine.SetRunName(req.Name); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": req.Name})
}

func (a *api) handleRunsHistory(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.RunsHistory())
}

type commandRequest struct {
	Type     domain.MessageType       `json:"type"`
	ID       string                   `json:"id"`
	Prompt   string                   `json:"prompt"`
	Metadata map[string]any           `json:"metadata"`
	Config   domain.WorkerConfigPatch `json:"config"`
	Label    string                   `json:"label"`
}

func (r commandRequest) payload() (any, error) {
	switch r.Type {
	case domain.MessageTypePing:
		return domain.PingCommand{ID: r.ID}, nil
	case domain.MessageTypeCancel:
		return domain.CancelCommand{ID: r.ID}, nil
	case domain.MessageTypeRunPrompt:
		if r.Prompt == "" {
			return nil, errors.New("prompt is required")
		}
		return domain.RunPromptCommand{ID: r.ID, Prompt: r.Prompt, Metadata: r.Metadata}, nil
	case domain.MessageTypeSetConfig:
		return domain.SetConfigCommand{Config: r.Config}, nil
	case domain.MessageTypeSetPersonaLabel:
		return domain.SetPersonaLabelCommand{Label: r.Label}, nil
	}
	return nil, errors.New("unsupported command type " + string(r.Type))
}

func (a *api) handleWorkerCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	payload, err := req.payload()
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := a.engine.SendCommand(c.Request.Context(), c.Param("id"), req.Type, payload); err != nil {
		writeError(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent", "workerId": c.Param("id"), "type": req.Type})
}

func (a *api) handlePersonaState(c *gin.Context) {
	if a.persona == nil {
		writeError(c, http.StatusNotFound, errors.New("persona coordinator is disabled"))
		return
	}
	c.JSON(http.StatusOK, a.persona.State())
}

func (a *api) handlePersonaStart(c *gin.Context) {
	if a.persona == nil {
		writeError(c, http.StatusNotFound, errors.New("persona coordinator is disabled"))
		return
	}
	a.persona.StartSession()
	c.JSON(http.StatusOK, a.persona.State())
}

func (a *api) handlePersonaStop(c *gin.Context) {
	if a.persona == nil {
		writeError(c, http.StatusNotFound, errors.New("persona coordinator is disabled"))
		return
	}
	a.persona.StopSession("stopped by operator")
	c.JSON(http.StatusOK, a.persona.State())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrTemplateNotFound), errors.Is(err, orchestrator.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidTemplate), errors.Is(err, orchestrator.ErrUnknownSlot):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoActiveRun), errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}
