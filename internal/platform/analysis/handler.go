package analysis

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/caseflow/caseflow/internal/platform/identity"
)

// Handler proxies scoring requests to the analysis service.
type Handler struct {
	client *Client
}

func NewHandler(client *Client) *Handler {
	return &Handler{client: client}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/analysis", h.Analyze)
}

func (h *Handler) Analyze(c echo.Context) error {
	if _, ok := identity.ActorFromContext(c.Request().Context()); !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ChiefComplaint == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chief_complaint is required")
	}

	result, err := h.client.Analyze(c.Request().Context(), req)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "analysis service rejected the request")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "analysis service unavailable")
	}
	return c.JSON(http.StatusOK, result)
}
