// Package server exposes the survey scheduler and the layer transforms over
// HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jschuller/rf-asset-discovery/store"
	"github.com/jschuller/rf-asset-discovery/survey"
	"github.com/jschuller/rf-asset-discovery/transform"
)

// Server routes API requests to the scheduler, store and transformer.
type Server struct {
	Store       *store.Store
	Scheduler   *survey.Scheduler
	Transformer *transform.Transformer
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.POST("/surveys", s.createSurvey)
	v1.GET("/surveys", s.listSurveys)
	v1.GET("/surveys/:id", s.getSurvey)
	v1.POST("/surveys/:id/step", s.stepSurvey)
	v1.POST("/surveys/:id/pause", s.pauseSurvey)
	v1.POST("/surveys/:id/resume", s.resumeSurvey)
	v1.GET("/surveys/:id/segments", s.listSegments)
	v1.GET("/surveys/:id/signals", s.listSignals)
	v1.POST("/signals/:id/state", s.setSignalState)
	v1.GET("/assets/:id", s.getAsset)
	v1.GET("/transform/status", s.transformStatus)
	v1.POST("/transform/:layer", s.runTransform)
	return r
}

// Run serves the API on addr until ctx is cancelled or the listener fails.
// Cancellation drains in-flight requests before returning.
func (s *Server) Run(ctx context.Context, addr string) error {
	glog.Infof("serving API on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// fail translates the storage error taxonomy into HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrState):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type createSurveyRequest struct {
	Name        string `json:"name" binding:"required"`
	Location    string `json:"location"`
	StartHz     int64  `json:"start_hz"`
	EndHz       int64  `json:"end_hz"`
	IncludeGaps *bool  `json:"include_gaps"`
	AntennaType string `json:"antenna_type"`
	SDRDevice   string `json:"sdr_device"`
	GainSetting string `json:"gain_setting"`
	Baseline    string `json:"baseline"`
}

func (s *Server) createSurvey(c *gin.Context) {
	var req createSurveyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts := survey.CreateOptions{
		Name:         req.Name,
		StartHz:      req.StartHz,
		EndHz:        req.EndHz,
		Plan:         survey.DefaultPlanOptions(),
		LocationName: req.Location,
		AntennaType:  req.AntennaType,
		SDRDevice:    req.SDRDevice,
		GainSetting:  req.GainSetting,
		Baseline:     req.Baseline,
	}
	if req.IncludeGaps != nil {
		opts.Plan.IncludeGaps = *req.IncludeGaps
	}
	sv, err := s.Scheduler.Create(c.Request.Context(), opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sv)
}

func (s *Server) listSurveys(c *gin.Context) {
	var (
		surveys []*store.Survey
		err     error
	)
	limit := 100
	if loc := c.Query("location"); loc != "" {
		surveys, err = s.Store.ListSurveysByLocation(c.Request.Context(), loc, limit)
	} else {
		surveys, err = s.Store.ListSurveys(c.Request.Context(), c.Query("status"), limit)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"surveys": surveys})
}

func (s *Server) getSurvey(c *gin.Context) {
	sv, err := s.Store.GetSurvey(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sv)
}

func (s *Server) stepSurvey(c *gin.Context) {
	res, err := s.Scheduler.Step(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) pauseSurvey(c *gin.Context) {
	if err := s.Scheduler.Pause(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": store.SurveyPaused})
}

func (s *Server) resumeSurvey(c *gin.Context) {
	res, err := s.Scheduler.Resume(c.Request.Context(), c.Param("id"), 0)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listSegments(c *gin.Context) {
	segs, err := s.Store.Segments(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": segs})
}

func (s *Server) listSignals(c *gin.Context) {
	sigs, err := s.Store.Signals(c.Request.Context(), c.Param("id"), c.Query("state"), 0)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": sigs})
}

type signalStateRequest struct {
	State string `json:"state" binding:"required"`
}

func (s *Server) setSignalState(c *gin.Context) {
	var req signalStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Store.UpdateSignalState(c.Request.Context(), c.Param("id"), req.State); err != nil {
		fail(c, err)
		return
	}
	sig, err := s.Store.GetSignal(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sig)
}

func (s *Server) getAsset(c *gin.Context) {
	asset, err := s.Store.GetAsset(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

func (s *Server) transformStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tables": s.Transformer.Status(c.Request.Context())})
}

func (s *Server) runTransform(c *gin.Context) {
	dryRun := c.Query("dry_run") == "true"
	ctx := c.Request.Context()

	var (
		results []transform.Result
		err     error
	)
	switch strings.ToLower(c.Param("layer")) {
	case "bronze":
		results, err = s.Transformer.Bronze(ctx, dryRun)
	case "silver":
		var res transform.Result
		res, err = s.Transformer.Silver(ctx, dryRun)
		results = append(results, res)
		if err == nil {
			res, err = s.Transformer.BandInventory(ctx, dryRun)
			results = append(results, res)
		}
	case "gold":
		var res transform.Result
		res, err = s.Transformer.Gold(ctx, dryRun)
		results = append(results, res)
	case "full":
		results, err = s.Transformer.Full(ctx, dryRun)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "layer must be one of: bronze, silver, gold, full"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "results": results})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
