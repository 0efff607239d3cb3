package notification

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/caseflow/caseflow/internal/platform/identity"
	"github.com/caseflow/caseflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications", h.List)
	api.GET("/notifications/unread-count", h.UnreadCount)
	api.POST("/notifications/:id/read", h.MarkRead)
	api.POST("/notifications/read-all", h.MarkAllRead)
	api.DELETE("/notifications", h.Clear)
}

func requireActor(c echo.Context) (identity.Actor, error) {
	actor, ok := identity.ActorFromContext(c.Request().Context())
	if !ok {
		return identity.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "identity required")
	}
	return actor, nil
}

func (h *Handler) List(c echo.Context) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	unreadOnly := c.QueryParam("unread") == "true"

	items, total, err := h.svc.ListForUser(c.Request().Context(), actor.ID, unreadOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UnreadCount(c echo.Context) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	count, err := h.svc.UnreadCount(c.Request().Context(), actor.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"unread": count})
}

func (h *Handler) MarkRead(c echo.Context) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	if err := h.svc.MarkRead(c.Request().Context(), actor.ID, c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	n, err := h.svc.MarkAllRead(c.Request().Context(), actor.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int64{"marked": n})
}

func (h *Handler) Clear(c echo.Context) error {
	actor, err := requireActor(c)
	if err != nil {
		return err
	}
	n, err := h.svc.Clear(c.Request().Context(), actor.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int64{"cleared": n})
}
