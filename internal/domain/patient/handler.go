package patient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/search"
	"github.com/NdodaEnde/Hospital-Platform/pkg/pagination"
)

// maxUploadBytes caps multipart document uploads; JSON bodies are bounded by
// the body-limit middleware.
const maxUploadBytes = 10 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/documents", h.IngestDocument)
	api.POST("/reconcile", h.Reconcile)

	api.GET("/patients", h.ListPatients)
	api.POST("/patients", h.CommitEntities)
	api.GET("/patients/:id", h.GetPatient)
	api.PUT("/patients/:id/entities", h.UpdateEntities)
	api.POST("/patients/:id/reprocess", h.Reprocess)
	api.DELETE("/patients/:id", h.DeletePatient)

	api.GET("/search", h.Search)

	api.GET("/review", h.ListReview)
	api.GET("/review/:id", h.GetReview)
	api.POST("/review/:id/resolve", h.ResolveReview)
	api.DELETE("/review/:id", h.DiscardReview)
}

// FailureResponse is the body of every non-2xx pipeline response.
type FailureResponse struct {
	Error         string     `json:"error"`
	Stage         string     `json:"stage"`
	Partial       bool       `json:"partial"`
	MissingFields []string   `json:"missing_fields,omitempty"`
	Retryable     *bool      `json:"retryable,omitempty"`
	ReviewBatchID *uuid.UUID `json:"review_batch_id,omitempty"`
}

// RecordResponse reports a rebuilt or dry-run record.
type RecordResponse struct {
	Record   *Record                            `json:"record"`
	Skipped  int                                `json:"skipped"`
	Warnings []*extraction.MalformedEntityError `json:"warnings,omitempty"`
}

type documentRequest struct {
	Text string `json:"text"`
}

type entitiesRequest struct {
	Entities []extraction.Entity `json:"entities"`
}

// -- Pipeline --

// IngestDocument accepts either a JSON body {"text": "..."} or a multipart
// upload with a "file" part.
func (h *Handler) IngestDocument(c echo.Context) error {
	text, err := readDocument(c)
	if err != nil {
		return writeFailure(c, &PipelineError{Stage: StageInput, Err: err})
	}
	res, err := h.svc.Ingest(c.Request().Context(), text)
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func readDocument(c echo.Context) (string, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return "", fmt.Errorf("file part: %w", err)
		}
		f, err := fh.Open()
		if err != nil {
			return "", fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
		if err != nil {
			return "", fmt.Errorf("read upload: %w", err)
		}
		if len(data) > maxUploadBytes {
			return "", fmt.Errorf("upload exceeds %d bytes", maxUploadBytes)
		}
		if !utf8.Valid(data) {
			return "", errors.New("document is not valid UTF-8 text")
		}
		return string(data), nil
	}

	var req documentRequest
	if err := c.Bind(&req); err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	return req.Text, nil
}

// CommitEntities reconciles and commits entities supplied by the caller,
// bypassing the classifier.
func (h *Handler) CommitEntities(c echo.Context) error {
	var req entitiesRequest
	if err := c.Bind(&req); err != nil {
		return writeFailure(c, &PipelineError{Stage: StageInput, Err: err})
	}
	res, err := h.svc.Commit(c.Request().Context(), req.Entities, "")
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// Reconcile is a dry run: the record is built and returned, nothing is stored.
func (h *Handler) Reconcile(c echo.Context) error {
	var req entitiesRequest
	if err := c.Bind(&req); err != nil {
		return writeFailure(c, &PipelineError{Stage: StageInput, Err: err})
	}
	out, err := h.svc.DryRun(req.Entities)
	if err != nil {
		return writeFailure(c, &PipelineError{Stage: StageIdentity, Partial: true, Err: err})
	}
	return c.JSON(http.StatusOK, RecordResponse{Record: out.Record, Skipped: out.SkippedCount(), Warnings: out.Skipped})
}

// -- Records --

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return writeFailure(c, err)
	}
	if items == nil {
		items = []*Record{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

// GetPatient looks a record up by id, then by unique id.
func (h *Handler) GetPatient(c echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("id")
	var rec *Record
	err := ErrNotFound
	if id, perr := uuid.Parse(key); perr == nil {
		rec, err = h.svc.Get(ctx, id)
	}
	if errors.Is(err, ErrNotFound) {
		rec, err = h.svc.GetByUniqueID(ctx, key)
	}
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdateEntities(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req entitiesRequest
	if err := c.Bind(&req); err != nil {
		return writeFailure(c, &PipelineError{Stage: StageInput, Err: err})
	}
	out, err := h.svc.UpdateEntities(c.Request().Context(), id, req.Entities)
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, RecordResponse{Record: out.Record, Skipped: out.SkippedCount(), Warnings: out.Skipped})
}

func (h *Handler) Reprocess(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	out, err := h.svc.Reprocess(c.Request().Context(), id)
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, RecordResponse{Record: out.Record, Skipped: out.SkippedCount(), Warnings: out.Skipped})
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return writeFailure(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Search(c echo.Context) error {
	limit := pagination.FromContext(c).Limit
	hits, err := h.svc.Search(c.Request().Context(), c.QueryParam("q"), limit)
	if err != nil {
		return writeFailure(c, err)
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hits": hits, "total": len(hits)})
}

// -- Review --

func (h *Handler) ListReview(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListHeld(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return writeFailure(c, err)
	}
	if items == nil {
		items = []*ReviewBatch{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) GetReview(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.svc.GetHeld(c.Request().Context(), id)
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ResolveReview(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var override IdentityOverride
	if err := c.Bind(&override); err != nil {
		return writeFailure(c, &PipelineError{Stage: StageInput, Err: err})
	}
	res, err := h.svc.ResolveHeld(c.Request().Context(), id, override)
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) DiscardReview(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DiscardHeld(c.Request().Context(), id); err != nil {
		return writeFailure(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Errors --

// writeFailure renders err as a FailureResponse with the status its stage
// maps to.
func writeFailure(c echo.Context, err error) error {
	status, body := Failure(err)
	return c.JSON(status, body)
}

// Failure maps a service error to an HTTP status and response body.
func Failure(err error) (int, FailureResponse) {
	body := FailureResponse{Error: err.Error()}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrReviewBatchNotFound):
		body.Stage = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, ErrNoSourceDocument):
		body.Stage = StageInput
		return http.StatusConflict, body
	case errors.Is(err, ErrSearchUnavailable), errors.Is(err, ErrReviewDisabled):
		body.Stage = "unavailable"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, search.ErrEmptyQuery):
		body.Stage = StageInput
		return http.StatusBadRequest, body
	}

	var perr *PipelineError
	if !errors.As(err, &perr) {
		body.Stage = StageStore
		return http.StatusInternalServerError, body
	}
	body.Stage = perr.Stage
	body.Partial = perr.Partial
	body.ReviewBatchID = perr.ReviewBatchID

	var inc *IncompleteIdentityError
	if errors.As(err, &inc) {
		body.MissingFields = inc.MissingFields
	}

	switch perr.Stage {
	case StageInput:
		return http.StatusBadRequest, body
	case StageClassify:
		var ce *extraction.ClassificationError
		if errors.As(err, &ce) {
			retryable := ce.Retryable
			body.Retryable = &retryable
			if retryable {
				return http.StatusServiceUnavailable, body
			}
		}
		return http.StatusBadGateway, body
	case StageIdentity:
		return http.StatusUnprocessableEntity, body
	default:
		return http.StatusInternalServerError, body
	}
}
