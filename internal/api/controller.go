package api

import (
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/ingest"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/securefs"
	"github.com/phenolog/phenolog/internal/weekindex"
)

// Controller holds the handlers of the observation API
type Controller struct {
	coord         *ingest.Coordinator
	fs            *securefs.SecureFS
	accountHeader string
	log           logger.Logger
}

// NewController creates a controller. accountHeader names the request header
// holding the acting account id.
func NewController(coord *ingest.Coordinator, fsys *securefs.SecureFS, accountHeader string, log logger.Logger) *Controller {
	if log == nil {
		log = GetLogger()
	}
	return &Controller{
		coord:         coord,
		fs:            fsys,
		accountHeader: accountHeader,
		log:           log,
	}
}

// DeleteResponse reports the matrix cell a deleted observation was removed from
type DeleteResponse struct {
	ID      int             `json:"id"`
	Deleted bool            `json:"deleted"`
	Cell    weekindex.Coord `json:"cell"`
}

func (ctrl *Controller) account(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get(ctrl.accountHeader))
}

// CreateObservation handles POST /api/v1/observations. A form without id
// creates an observation, a form with id resubmits an existing one.
func (ctrl *Controller) CreateObservation(c echo.Context) error {
	var ids [4]int
	for i, name := range []string{"id", "experimentId", "plantId", "locationId"} {
		v, err := formInt(c, name)
		if err != nil {
			return ctrl.HandleError(c, err)
		}
		ids[i] = v
	}

	header, err := c.FormFile("image")
	if err != nil {
		return ctrl.HandleError(c, errors.New(err).
			Component("api").
			Category(errors.CategoryValidation).
			Context("field", "image").
			Build())
	}
	file, err := header.Open()
	if err != nil {
		return ctrl.HandleError(c, errors.New(err).
			Component("api").
			Category(errors.CategoryFileIO).
			Build())
	}
	defer func() {
		if err := file.Close(); err != nil {
			ctrl.log.Warn("failed to close upload", logger.Error(err))
		}
	}()

	rec, err := ctrl.coord.Ingest(c.Request().Context(), ingest.Request{
		AccountID:    ctrl.account(c),
		ID:           ids[0],
		ExperimentID: ids[1],
		PlantID:      ids[2],
		LocationID:   ids[3],
		Date:         c.FormValue("date"),
		Image:        file,
	})
	if err != nil {
		if rec != nil {
			return ctrl.handleStageFailure(c, rec, err)
		}
		return ctrl.HandleError(c, err)
	}

	status := http.StatusCreated
	if ids[0] != 0 {
		status = http.StatusOK
	}
	return c.JSON(status, rec)
}

// GetObservation handles GET /api/v1/observations/:id
func (ctrl *Controller) GetObservation(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return ctrl.HandleError(c, err)
	}
	rec, err := ctrl.coord.Get(c.Request().Context(), id)
	if err != nil {
		return ctrl.HandleError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// DeleteObservation handles DELETE /api/v1/observations/:id
func (ctrl *Controller) DeleteObservation(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return ctrl.HandleError(c, err)
	}
	coord, err := ctrl.coord.Delete(c.Request().Context(), ctrl.account(c), id)
	if err != nil {
		return ctrl.HandleError(c, err)
	}
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Deleted: true, Cell: coord})
}

// ListObservations handles GET /api/v1/experiments/:id/observations
func (ctrl *Controller) ListObservations(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return ctrl.HandleError(c, err)
	}
	records, err := ctrl.coord.List(c.Request().Context(), id)
	if err != nil {
		return ctrl.HandleError(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

// GetMatrix handles GET /api/v1/experiments/:id/matrix
func (ctrl *Controller) GetMatrix(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return ctrl.HandleError(c, err)
	}
	snap, err := ctrl.coord.Matrix(c.Request().Context(), id)
	if err != nil {
		return ctrl.HandleError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// ServeMedia serves derivative files below the media root. Uploads being
// processed and temp files are never exposed.
func (ctrl *Controller) ServeMedia(c echo.Context) error {
	raw, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid file path").SetInternal(err)
	}
	rel := path.Clean("/" + raw)[1:]
	if rel == "" || rel == ingest.IncomingDir || strings.HasPrefix(rel, ingest.IncomingDir+"/") ||
		strings.HasPrefix(path.Base(rel), ".") {
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=3600")
	return ctrl.fs.ServeRelativeFile(c, rel)
}

func formInt(c echo.Context, name string) (int, error) {
	v := strings.TrimSpace(c.FormValue(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Newf("%s must be an integer, got %q", name, v).
			Component("api").
			Category(errors.CategoryValidation).
			Context("field", name).
			Build()
	}
	return n, nil
}

func pathInt(c echo.Context, name string) (int, error) {
	v := c.Param(name)
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.Newf("%s must be a positive integer, got %q", name, v).
			Component("api").
			Category(errors.CategoryValidation).
			Context("field", name).
			Build()
	}
	return n, nil
}
