// Package webhook exposes the inbound HTTP surface: the autobrr-style
// webhook that feeds the dispatcher, and a health endpoint.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humaecho"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/xwell/autobrr-loadbalance/internal/balancer"
	"github.com/xwell/autobrr-loadbalance/internal/config"
)

// Dispatch routes one normalized request. *balancer.Dispatcher implements it.
type Dispatch interface {
	Dispatch(ctx context.Context, req balancer.Request) (balancer.Result, error)
}

// Health reports instance connectivity. *balancer.Registry implements it.
type Health interface {
	ConnectedCount() (connected, total int, down []string)
}

// Announces reports pending announce jobs. *announce.Scheduler implements it.
type Announces interface {
	Pending() int
}

type Server struct {
	e    *echo.Echo
	addr string
}

func New(cfg config.WebhookConfig, d Dispatch, h Health, a Announces) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	e.GET("/health", func(c echo.Context) error {
		connected, total, down := h.ConnectedCount()
		return c.JSON(http.StatusOK, map[string]any{
			"status":              "ok",
			"timestamp":           time.Now().Format(time.RFC3339),
			"instances_connected": connected,
			"instances_total":     total,
			"instances_down":      down,
			"announces_pending":   a.Pending(),
		})
	})

	conf := huma.DefaultConfig("qBittorrent Load Balancer", "1.0.0")
	conf.Info.Description = "Distributes incoming torrents across qBittorrent instances"
	api := humaecho.New(e, conf)

	handler := &webhookHandler{d: d}
	huma.Register(api, huma.Operation{
		OperationID: "webhook",
		Method:      http.MethodPost,
		Path:        cfg.Path,
		Summary:     "Receive a torrent notification",
		Tags:        []string{"Webhook"},
	}, handler.Receive)

	return &Server{
		e:    e,
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("webhook server started")
	if err := s.e.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.e }
