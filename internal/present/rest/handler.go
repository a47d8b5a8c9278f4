package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/deltafi/deltafi-go/internal/domain"
	"github.com/deltafi/deltafi-go/internal/present/rest/presenter"
	"github.com/deltafi/deltafi-go/internal/service"
	"github.com/deltafi/deltafi-go/internal/usecase"
)

// terminalCacheTTL is how long finished DeltaFiles stay in memcached.
// Terminal documents never change, so the TTL only bounds memory.
const terminalCacheTTL = 300

type Handler struct {
	deltafiles *usecase.DeltaFilesService
	flows      *usecase.FlowRegistry
	signal     *service.SignalService
	mc         *memcache.Client
}

func NewHandler(
	deltafiles *usecase.DeltaFilesService,
	flows *usecase.FlowRegistry,
	signal *service.SignalService,
	mc *memcache.Client,
) *Handler {
	return &Handler{
		deltafiles: deltafiles,
		flows:      flows,
		signal:     signal,
		mc:         mc,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/status", h.handleStatus)
	e.POST("/api/v1/ingress", h.handleIngress)
	e.GET("/api/v1/deltafile/:did", h.handleGetDeltaFile)
	e.POST("/api/v1/deltafile/:did/resume", h.handleResume)
	e.POST("/api/v1/deltafile/:did/cancel", h.handleCancel)
	e.POST("/api/v1/events", h.handleActionEvent)
	e.GET("/api/v1/flows", h.handleFlows)
	e.GET("/realtime", h.handleRealtime)
}

func (h *Handler) handleStatus(c echo.Context) error {
	return presenter.OK(c, echo.Map{"status": "ok"})
}

type ingressRequest struct {
	SourceInfo domain.SourceInfo `json:"sourceInfo"`
	Content    []domain.Content  `json:"content"`
}

func (h *Handler) handleIngress(c echo.Context) error {
	ctx := c.Request().Context()

	var req ingressRequest
	err := c.Bind(&req)
	if err != nil {
		return presenter.BadRequest(c, err)
	}
	if req.SourceInfo.Flow == "" {
		return presenter.BadRequestMessage(c, "sourceInfo.flow is required")
	}
	if req.SourceInfo.Filename == "" {
		return presenter.BadRequestMessage(c, "sourceInfo.filename is required")
	}

	df, err := h.deltafiles.Ingress(ctx, req.SourceInfo, req.Content)
	if err != nil {
		return presenter.InternalError(c, err)
	}

	return presenter.OK(c, echo.Map{"did": df.Did})
}

func (h *Handler) handleGetDeltaFile(c echo.Context) error {
	ctx := c.Request().Context()
	did := c.Param("did")

	if item, err := h.mc.Get(deltafileCacheKey(did)); err == nil {
		return c.JSONBlob(http.StatusOK, item.Value)
	}

	df, err := h.deltafiles.Get(ctx, did)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NotFound(c, "deltafile not found")
		}
		return presenter.InternalError(c, err)
	}

	if df.Stage.Terminal() {
		if body, err := json.Marshal(df); err == nil {
			h.mc.Set(&memcache.Item{
				Key:        deltafileCacheKey(did),
				Value:      body,
				Expiration: terminalCacheTTL,
			})
		}
	}

	return presenter.OK(c, df)
}

func deltafileCacheKey(did string) string {
	return "deltafile:" + did
}

func (h *Handler) handleResume(c echo.Context) error {
	ctx := c.Request().Context()
	did := c.Param("did")

	retried, err := h.deltafiles.Resume(ctx, did)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NotFound(c, "deltafile not found")
		}
		return presenter.InternalError(c, err)
	}
	if len(retried) == 0 {
		return presenter.BadRequestMessage(c, "deltafile has no errored actions")
	}

	return presenter.OK(c, echo.Map{"retried": retried})
}

func (h *Handler) handleCancel(c echo.Context) error {
	ctx := c.Request().Context()
	did := c.Param("did")

	err := h.deltafiles.Cancel(ctx, did)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NotFound(c, "deltafile not found")
		}
		return presenter.InternalError(c, err)
	}

	return presenter.OK(c, echo.Map{"status": "ok"})
}

// handleActionEvent is the HTTP alternative to the redis event queue, for
// workers that cannot reach redis directly.
func (h *Handler) handleActionEvent(c echo.Context) error {
	ctx := c.Request().Context()

	var event domain.ActionEvent
	err := c.Bind(&event)
	if err != nil {
		return presenter.BadRequest(c, err)
	}
	if event.Did == "" || event.ActionName == "" {
		return presenter.BadRequestMessage(c, "did and actionName are required")
	}

	err = h.deltafiles.HandleActionEvent(ctx, event)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return presenter.NotFound(c, "deltafile not found")
		}
		return presenter.InternalError(c, err)
	}

	return presenter.OK(c, echo.Map{"status": "ok"})
}

func (h *Handler) handleFlows(c echo.Context) error {
	return presenter.OK(c, h.flows.All())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Request struct {
	Type     string   `json:"type"`
	Prefixes []string `json:"prefixes"`
}

func (h *Handler) handleRealtime(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"Failed to upgrade WebSocket",
			slog.String("error", err.Error()),
			slog.String("module", "socket"),
		)
		return err
	}
	defer func() {
		ws.Close()
	}()

	ctx := c.Request().Context()

	input := make(chan []string)
	defer close(input)
	output := make(chan domain.Event)
	defer close(output)

	go h.signal.Realtime(ctx, input, output)

	quit := make(chan struct{})

	go func() {
		for {
			var req Request
			err := ws.ReadJSON(&req)
			if err != nil {

				wsErr, ok := err.(*websocket.CloseError)
				if ok {
					if !(wsErr.Code == websocket.CloseNormalClosure || wsErr.Code == websocket.CloseGoingAway) {
						slog.DebugContext(
							ctx, "WebSocket closed",
							slog.String("error", wsErr.Error()),
							slog.String("module", "socket"),
						)
					}
				} else {
					slog.ErrorContext(
						ctx, "Error reading message",
						slog.String("error", err.Error()),
						slog.String("module", "socket"),
					)
				}

				quit <- struct{}{}
				break
			}

			switch req.Type {
			case "listen":
				input <- req.Prefixes
				slog.DebugContext(
					ctx, fmt.Sprintf("Socket subscribe: %s", req.Prefixes),
					slog.String("module", "socket"),
				)
			case "h": // heartbeat
				// do nothing
			default:
				slog.InfoContext(
					ctx, "Unknown request type",
					slog.String("type", req.Type),
					slog.String("module", "socket"),
				)
			}
		}
	}()

	for {
		select {
		case <-quit:
			return nil
		case item := <-output:
			err := ws.WriteJSON(item)
			if err != nil {
				slog.ErrorContext(
					ctx, "Error writing message",
					slog.String("error", err.Error()),
					slog.String("module", "socket"),
				)
				return nil
			}
		}
	}
}
