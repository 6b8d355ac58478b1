// Package api exposes the operator HTTP surface: strategy status, pending
// utilizations, and manual control actions.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"basis-vault-bot/internal/strategy"
)

// Controller is the strategy surface the API drives.
type Controller interface {
	Status() strategy.Status
	IsPaused() bool
	IsStopped() bool
	PendingUtilizations() (utilize, deutilize decimal.Decimal)
	PerformUpkeep(ctx context.Context) (strategy.UpkeepAction, error)
	CheckUpkeep(ctx context.Context) strategy.UpkeepAction
	Pause()
	Unpause()
	Stop()
}

// Book reports the balances shown in status responses.
type Book interface {
	IdleAssets() decimal.Decimal
	TotalAssets() decimal.Decimal
	TotalSupply() decimal.Decimal
	TotalPendingWithdraw() decimal.Decimal
}

type Hedge interface {
	PositionSizeInTokens() decimal.Decimal
	Collateral() decimal.Decimal
	PositionNetBalance() decimal.Decimal
	CurrentLeverage() decimal.Decimal
	HasPendingOrder() bool
}

type Spot interface {
	Exposure() decimal.Decimal
}

type Server struct {
	ctrl   Controller
	book   Book
	hedge  Hedge
	spot   Spot
	log    *zap.Logger
	engine *gin.Engine
}

func NewServer(ctrl Controller, book Book, hedge Hedge, spot Spot, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{ctrl: ctrl, book: book, hedge: hedge, spot: spot, log: log}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/status", s.handleStatus)
	engine.GET("/pending", s.handlePending)
	engine.POST("/upkeep", s.handleUpkeep)
	engine.POST("/pause", s.handlePause)
	engine.POST("/unpause", s.handleUnpause)
	engine.POST("/stop", s.handleStop)

	s.engine = engine
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{Addr: listen, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            s.ctrl.Status(),
		"paused":            s.ctrl.IsPaused(),
		"stopped":           s.ctrl.IsStopped(),
		"idle_assets":       s.book.IdleAssets(),
		"total_assets":      s.book.TotalAssets(),
		"total_shares":      s.book.TotalSupply(),
		"pending_withdraw":  s.book.TotalPendingWithdraw(),
		"spot_exposure":     s.spot.Exposure(),
		"hedge_size":        s.hedge.PositionSizeInTokens(),
		"hedge_collateral":  s.hedge.Collateral(),
		"hedge_net_balance": s.hedge.PositionNetBalance(),
		"leverage":          s.hedge.CurrentLeverage(),
		"order_pending":     s.hedge.HasPendingOrder(),
	})
}

func (s *Server) handlePending(c *gin.Context) {
	utilize, deutilize := s.ctrl.PendingUtilizations()
	c.JSON(http.StatusOK, gin.H{
		"utilization":   utilize,
		"deutilization": deutilize,
		"next_action":   s.ctrl.CheckUpkeep(c.Request.Context()),
	})
}

func (s *Server) handleUpkeep(c *gin.Context) {
	action, err := s.ctrl.PerformUpkeep(c.Request.Context())
	if err != nil {
		s.log.Warn("manual upkeep failed", zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"action": action, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": action})
}

func (s *Server) handlePause(c *gin.Context) {
	s.ctrl.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleUnpause(c *gin.Context) {
	s.ctrl.Unpause()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleStop(c *gin.Context) {
	s.ctrl.Stop()
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}
