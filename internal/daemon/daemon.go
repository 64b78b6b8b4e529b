// Package daemon hosts the process-embedded HTTP management surface and
// composes the engines behind the listener handler.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/awcp/awcp/internal/common/config"
	"github.com/awcp/awcp/internal/common/logger"
	"github.com/awcp/awcp/internal/delegator"
	"github.com/awcp/awcp/internal/delegator/repository"
	"github.com/awcp/awcp/internal/environment"
	"github.com/awcp/awcp/internal/executor"
	"github.com/awcp/awcp/internal/listener"
	v1 "github.com/awcp/awcp/pkg/api/v1"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// Daemon ties the engines, listeners, and management API together.
type Daemon struct {
	cfg       *config.Config
	delegator *delegator.Engine
	executor  *executor.Engine
	listeners []listener.Listener
	logger    *logger.Logger

	httpSrv *http.Server
}

// New assembles a daemon. Either engine may be nil when the deployment
// runs a single role.
func New(cfg *config.Config, del *delegator.Engine, exec *executor.Engine, listeners []listener.Listener, log *logger.Logger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		delegator: del,
		executor:  exec,
		listeners: listeners,
		logger:    log.WithFields(zap.String("component", "daemon")),
	}
}

// Handler returns the shared listener handler.
func (d *Daemon) Handler() listener.Handler {
	return &engineHandler{delegator: d.delegator, executor: d.executor}
}

// Start launches the engines, every listener, and the management API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.delegator != nil {
		if err := d.delegator.Start(ctx); err != nil {
			return err
		}
	}
	if d.executor != nil {
		if err := d.executor.CleanupStaleWorkdirs(); err != nil {
			d.logger.Warn("stale workdir cleanup failed", zap.Error(err))
		}
	}

	handler := d.Handler()
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range d.listeners {
		l := l
		g.Go(func() error {
			info, err := l.Start(gctx, handler)
			if err != nil {
				return err
			}
			d.logger.Info("listener started",
				zap.String("type", info.Type),
				zap.String("public_url", info.PublicURL))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return d.startAPI()
}

// Stop winds the daemon down in reverse order.
func (d *Daemon) Stop() {
	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.httpSrv.Shutdown(ctx); err != nil {
			d.logger.Error("API shutdown error", zap.Error(err))
		}
	}
	for _, l := range d.listeners {
		if err := l.Stop(); err != nil {
			d.logger.Warn("listener stop error", zap.Error(err))
		}
	}
	if d.executor != nil {
		d.executor.Stop()
	}
	if d.delegator != nil {
		d.delegator.Stop()
	}
}

// apiRouter builds the embedded management surface.
func (d *Daemon) apiRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(d.logger), RequestLogger(d.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if d.delegator != nil {
		router.POST("/delegate", d.handleDelegate)
		router.GET("/delegations", d.handleListDelegations)
		router.GET("/delegation/:id", d.handleGetDelegation)
		router.DELETE("/delegation/:id", d.handleCancelDelegation)
		router.GET("/delegation/:id/snapshots", d.handleListSnapshots)
		router.POST("/delegation/:id/snapshots/:snapshotId/apply", d.handleApplySnapshot)
		router.POST("/delegation/:id/snapshots/:snapshotId/discard", d.handleDiscardSnapshot)
	}
	return router
}

// startAPI serves the embedded management surface.
func (d *Daemon) startAPI() error {
	router := d.apiRouter()

	d.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", d.cfg.Server.Host, d.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  d.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: d.cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		d.logger.Info("management API listening", zap.String("addr", d.httpSrv.Addr))
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("management API stopped", zap.Error(err))
		}
	}()
	return nil
}

func (d *Daemon) handleDelegate(c *gin.Context) {
	var req v1.DelegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params, err := delegateParams(&req, d.cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := d.delegator.Delegate(c.Request.Context(), params)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.DelegateResponse{DelegationID: id})
}

// delegateParams converts the API request into engine parameters.
func delegateParams(req *v1.DelegateRequest, cfg *config.Config) (delegator.DelegateParams, error) {
	mode := protocol.AccessMode(req.AccessMode)
	if mode == "" {
		mode = protocol.AccessMode(cfg.Delegator.Defaults.AccessMode)
	}
	if mode == "" {
		mode = protocol.AccessRW
	}
	if !mode.Valid() {
		return delegator.DelegateParams{}, fmt.Errorf("invalid access mode %q", req.AccessMode)
	}

	spec := &environment.Spec{}
	for _, res := range req.Environment {
		kind := res.Kind
		if kind == "" {
			kind = environment.ResourceKindFS
		}
		resMode := protocol.AccessMode(res.Mode)
		if res.Mode == "" {
			resMode = mode
		}
		spec.Resources = append(spec.Resources, environment.Resource{
			Name:    res.Name,
			Kind:    kind,
			Source:  res.Source,
			Mode:    resMode,
			Include: res.Include,
			Exclude: res.Exclude,
		})
	}

	var auth *protocol.Auth
	if req.Auth != nil {
		auth = &protocol.Auth{
			Type:       req.Auth.Type,
			Credential: req.Auth.Credential,
			Metadata:   req.Auth.Metadata,
		}
	}

	return delegator.DelegateParams{
		PeerURL:     req.ExecutorURL,
		Environment: spec,
		Task:        protocol.TaskSpec{Description: req.Task.Description, Prompt: req.Task.Prompt},
		TTLSeconds:  req.TTLSeconds,
		AccessMode:  mode,
		Auth:        auth,
	}, nil
}

func (d *Daemon) handleGetDelegation(c *gin.Context) {
	record, err := d.delegator.GetDelegation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == repository.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "delegation not found"})
			return
		}
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (d *Daemon) handleListDelegations(c *gin.Context) {
	records, err := d.delegator.ListDelegations(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	resp := v1.DelegationsResponse{Delegations: []interface{}{}}
	for _, record := range records {
		if !record.CurrentState().Terminal() {
			resp.ActiveDelegations++
		}
		resp.Delegations = append(resp.Delegations, record)
	}
	c.JSON(http.StatusOK, resp)
}

func (d *Daemon) handleCancelDelegation(c *gin.Context) {
	id := c.Param("id")
	if err := d.delegator.Cancel(c.Request.Context(), id); err != nil {
		if err == repository.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "delegation not found"})
			return
		}
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "cancelled": true})
}

func (d *Daemon) handleListSnapshots(c *gin.Context) {
	c.JSON(http.StatusOK, d.delegator.Snapshots(c.Param("id")))
}

func (d *Daemon) handleApplySnapshot(c *gin.Context) {
	snap, err := d.delegator.ApplySnapshot(c.Request.Context(), c.Param("snapshotId"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (d *Daemon) handleDiscardSnapshot(c *gin.Context) {
	snap, err := d.delegator.DiscardSnapshot(c.Request.Context(), c.Param("snapshotId"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// engineHandler routes listener traffic to whichever engine owns the
// message kind.
type engineHandler struct {
	delegator *delegator.Engine
	executor  *executor.Engine
}

// HandleMessage implements listener.Handler.
func (h *engineHandler) HandleMessage(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	switch msg.(type) {
	case *protocol.Invite, *protocol.Start:
		if h.executor == nil {
			return nil, fmt.Errorf("executor role not enabled")
		}
		return h.executor.HandleMessage(ctx, msg)
	case *protocol.Accept, *protocol.Done:
		if h.delegator == nil {
			return nil, fmt.Errorf("delegator role not enabled")
		}
		return h.delegator.HandleMessage(ctx, msg)
	case *protocol.ErrorMessage:
		// ERROR flows both directions; the owning side is whichever knows
		// the delegation.
		if h.executor != nil {
			if result := h.executor.GetTaskResult(msg.Header().DelegationID); result.Status != v1.TaskStatusNotFound {
				return h.executor.HandleMessage(ctx, msg)
			}
		}
		if h.delegator != nil {
			return h.delegator.HandleMessage(ctx, msg)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported message type %s", msg.Header().Type)
	}
}

// SubscribeTask implements listener.Handler.
func (h *engineHandler) SubscribeTask(id string, handler func(*protocol.TaskEvent)) (func(), error) {
	if h.executor == nil {
		return nil, fmt.Errorf("executor role not enabled")
	}
	return h.executor.SubscribeTask(id, handler)
}

// GetTaskResult implements listener.Handler.
func (h *engineHandler) GetTaskResult(id string) *v1.TaskResultView {
	if h.executor == nil {
		return &v1.TaskResultView{Status: v1.TaskStatusNotApplicable, Reason: "executor role not enabled"}
	}
	return h.executor.GetTaskResult(id)
}

// CancelDelegation implements listener.Handler.
func (h *engineHandler) CancelDelegation(ctx context.Context, id string) error {
	if h.executor != nil {
		return h.executor.CancelDelegation(ctx, id)
	}
	if h.delegator != nil {
		return h.delegator.Cancel(ctx, id)
	}
	return nil
}

// Status implements listener.Handler.
func (h *engineHandler) Status() *v1.ExecutorStatus {
	if h.executor == nil {
		return &v1.ExecutorStatus{Delegations: []v1.DelegationInfo{}}
	}
	return h.executor.Status()
}
