package casedoc

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caseflow/caseflow/internal/platform/identity"
	"github.com/caseflow/caseflow/internal/platform/version"
	"github.com/caseflow/caseflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/cases", h.ListCases)
	api.POST("/cases", h.CreateCase)
	api.GET("/cases/:id", h.GetCase)
	api.PATCH("/cases/:id/sections/:section", h.CommitSection)
	api.POST("/cases/:id/status", h.SetStatus)
	api.POST("/cases/:id/priority", h.SetPriority)
	api.POST("/cases/:id/assignee", h.Assign)
	api.POST("/cases/:id/notes", h.AddNote)
	api.POST("/cases/:id/vitals", h.AddVital)
	api.GET("/cases/:id/history", h.ListHistory)
	api.GET("/cases/:id/history/diff", h.DiffVersions)
	api.GET("/cases/:id/history/:version", h.GetVersion)
	api.POST("/cases/:id/history/:version/revert", h.Revert)
}

func caseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	return id, nil
}

// etag renders a version as a weak entity tag, e.g. W/"3".
func etag(v int64) string {
	return fmt.Sprintf(`W/%q`, strconv.FormatInt(v, 10))
}

// baseVersion resolves the client's base version from If-Match when
// present, otherwise from the request body value.
func baseVersion(c echo.Context, bodyVersion int64) (int64, error) {
	ifMatch := strings.TrimSpace(c.Request().Header.Get("If-Match"))
	if ifMatch == "" {
		return bodyVersion, nil
	}
	raw := strings.TrimPrefix(ifMatch, "W/")
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header")
	}
	return v, nil
}

// writeError maps domain errors to HTTP responses. Version conflicts
// carry the authoritative version so the client can refresh and retry.
func writeError(c echo.Context, err error) error {
	if vc, ok := AsVersionConflict(err); ok {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":           "version conflict",
			"current_version": vc.CurrentVersion,
		})
	}
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrCaseNotFound), errors.Is(err, version.ErrVersionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrCaseArchived), errors.Is(err, ErrNotRevertible):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) CreateCase(c echo.Context) error {
	var d CaseDocument
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, _ := identity.ActorFromContext(c.Request().Context())
	if err := h.svc.CreateCase(c.Request().Context(), &d, actor); err != nil {
		if _, ok := AsVersionConflict(err); ok || errors.Is(err, ErrCaseNotFound) {
			return writeError(c, err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	c.Response().Header().Set("ETag", etag(d.Version))
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("ETag", etag(d.Version))
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListCases(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type commitSectionRequest struct {
	Payload     map[string]interface{} `json:"payload"`
	BaseVersion int64                  `json:"base_version"`
}

func (h *Handler) CommitSection(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req commitSectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	base, err := baseVersion(c, req.BaseVersion)
	if err != nil {
		return err
	}
	actor, _ := identity.ActorFromContext(c.Request().Context())

	result, err := h.svc.CommitSection(c.Request().Context(), id, c.Param("section"), req.Payload, base, actor)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("ETag", etag(result.Version))
	return c.JSON(http.StatusOK, result)
}

type metaChangeRequest struct {
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	BaseVersion int64  `json:"base_version"`
}

func (h *Handler) metaChange(c echo.Context, apply func(id uuid.UUID, req metaChangeRequest, base int64, actor identity.Actor) (*CommitResult, error)) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req metaChangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	base, err := baseVersion(c, req.BaseVersion)
	if err != nil {
		return err
	}
	actor, _ := identity.ActorFromContext(c.Request().Context())

	result, err := apply(id, req, base, actor)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("ETag", etag(result.Version))
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) SetStatus(c echo.Context) error {
	return h.metaChange(c, func(id uuid.UUID, req metaChangeRequest, base int64, actor identity.Actor) (*CommitResult, error) {
		return h.svc.SetStatus(c.Request().Context(), id, req.Status, base, actor)
	})
}

func (h *Handler) SetPriority(c echo.Context) error {
	return h.metaChange(c, func(id uuid.UUID, req metaChangeRequest, base int64, actor identity.Actor) (*CommitResult, error) {
		return h.svc.SetPriority(c.Request().Context(), id, req.Priority, base, actor)
	})
}

func (h *Handler) Assign(c echo.Context) error {
	return h.metaChange(c, func(id uuid.UUID, req metaChangeRequest, base int64, actor identity.Actor) (*CommitResult, error) {
		return h.svc.Assign(c.Request().Context(), id, req.AssigneeID, base, actor)
	})
}

type addNoteRequest struct {
	Text string `json:"text"`
}

func (h *Handler) AddNote(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req addNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, _ := identity.ActorFromContext(c.Request().Context())

	result, err := h.svc.AddNote(c.Request().Context(), id, req.Text, actor)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

type addVitalRequest struct {
	Reading map[string]interface{} `json:"reading"`
}

func (h *Handler) AddVital(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req addVitalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, _ := identity.ActorFromContext(c.Request().Context())

	result, err := h.svc.AddVital(c.Request().Context(), id, req.Reading, actor)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) ListHistory(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.Tracker().ListVersions(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetVersion(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	v, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || v < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	entry, err := h.svc.Tracker().GetVersion(c.Request().Context(), id, v)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) DiffVersions(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	from, err := strconv.ParseInt(c.QueryParam("from"), 10, 64)
	if err != nil || from < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid 'from' version")
	}
	to, err := strconv.ParseInt(c.QueryParam("to"), 10, 64)
	if err != nil || to < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid 'to' version")
	}
	diff, err := h.svc.Tracker().DiffVersions(c.Request().Context(), id, from, to)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"case_id": id,
		"from":    from,
		"to":      to,
		"diff":    diff,
	})
}

func (h *Handler) Revert(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	target, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || target < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	actor, _ := identity.ActorFromContext(c.Request().Context())

	result, err := h.svc.Revert(c.Request().Context(), id, target, actor)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("ETag", etag(result.Version))
	return c.JSON(http.StatusOK, result)
}
