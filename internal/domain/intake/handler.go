package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caseflow/caseflow/internal/platform/identity"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/intake/drafts", h.CreateDraft)
	api.GET("/intake/drafts/:id", h.GetDraft)
	api.GET("/intake/drafts/:id/steps/:step", h.GetStep)
	api.PUT("/intake/drafts/:id/steps/:step", h.UpdateStep)
	api.POST("/intake/drafts/:id/steps/:step/complete", h.CompleteStep)
	api.POST("/intake/drafts/:id/goto", h.GoToStep)
	api.POST("/intake/drafts/:id/next", h.NextStep)
	api.POST("/intake/drafts/:id/prev", h.PrevStep)
	api.POST("/intake/drafts/:id/submit", h.Submit)
	api.DELETE("/intake/drafts/:id", h.Cancel)
}

func draftID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid draft id")
	}
	return id, nil
}

func actorOr401(c echo.Context) (identity.Actor, error) {
	actor, ok := identity.ActorFromContext(c.Request().Context())
	if !ok {
		return identity.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "identity required")
	}
	return actor, nil
}

// draftError maps intake errors onto HTTP responses. Validation errors
// come back field-by-field so the form can mark the offending inputs.
func draftError(c echo.Context, d *Draft, err error) error {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		body := map[string]interface{}{"errors": verrs}
		if d != nil {
			body["draft"] = d
		}
		return c.JSON(http.StatusUnprocessableEntity, body)
	}
	switch {
	case errors.Is(err, ErrDraftNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrUnknownStep):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrStepBlocked), errors.Is(err, ErrLastStep),
		errors.Is(err, ErrFirstStep), errors.Is(err, ErrNotSubmittable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) CreateDraft(c echo.Context) error {
	actor, err := actorOr401(c)
	if err != nil {
		return err
	}
	d, err := h.svc.CreateDraft(c.Request().Context(), actor)
	if err != nil {
		return draftError(c, nil, err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDraft(c echo.Context) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	actor, err := actorOr401(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetDraft(c.Request().Context(), id, actor)
	if err != nil {
		return draftError(c, nil, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetStep(c echo.Context) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	actor, err := actorOr401(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetDraft(c.Request().Context(), id, actor)
	if err != nil {
		return draftError(c, nil, err)
	}

	step := Step(c.Param("step"))
	payload, err := d.StepPayload(step)
	if err != nil {
		return draftError(c, nil, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"step":     step,
		"complete": d.StepComplete(StepIndex(step)),
		"payload":  payload,
	})
}

func (h *Handler) UpdateStep(c echo.Context) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	actor, err := actorOr401(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if len(body) == 0 || !json.Valid(body) {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be a JSON object")
	}

	d, err := h.svc.UpdateStep(c.Request().Context(), id, Step(c.Param("step")), body, actor)
	if err != nil {
		return draftError(c, d, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) CompleteStep(c echo.Context) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	actor, err := actorOr401(c)
	if err != nil {
		return err
	}
	d, err := h.svc.CompleteStep(c.Request().Context(), id, Step(c.Param("step")), actor)
	if err != nil {
		return draftError(c, d, err)
	}
	return c.JSON(http.StatusOK, d)
}

type gotoRequest struct {
	Step int `json:"step"`
}

func (h *Handler) GoToStep(c echo.Context) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	actor, err := actorOr401(c)
	if err != nil {
		return err
	}
	var req gotoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.GoToStep(c.Request().Context(), id, req.Step, actor)
	if err != nil {
		return draftError(c, d, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) NextStep(c echo.Context) error {
	return h.move(c, h.svc.NextStep)
}

func (h *Handler) PrevStep(c echo.Context) error {
	return h.move(c, h.svc.PrevStep)
}

func (h *Handler) move(c echo.Context, fn func(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Draft, error)) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	actor, err := actorOr401(c)
	if err != nil {
		return err
	}
	d, err := fn(c.Request().Context(), id, actor)
	if err != nil {
		return draftError(c, d, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	actor, err := actorOr401(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.Submit(c.Request().Context(), id, actor)
	if err != nil {
		return draftError(c, nil, err)
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := draftID(c)
	if err != nil {
		return err
	}
	actor, err := actorOr401(c)
	if err != nil {
		return err
	}
	if err := h.svc.Cancel(c.Request().Context(), id, actor); err != nil {
		return draftError(c, nil, err)
	}
	return c.NoContent(http.StatusNoContent)
}
