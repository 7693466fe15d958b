package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/matcher"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/rater"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/store"
)

const defaultReviewLimit = 50

// ReviewQueue is the slice of the store the admin surface touches.
type ReviewQueue interface {
	ListManualReview(ctx context.Context, limit int) ([]store.ManualReview, error)
	GetManualReview(ctx context.Context, id int64) (store.ManualReview, error)
	DeleteManualReview(ctx context.Context, id int64) error
}

// ReviewHandler serves the manual review queue. Resolution re-enters the
// pipeline at the matched topic, so the persister treats an operator decision
// exactly like an automatic match.
type ReviewHandler struct {
	queue ReviewQueue
	pub   bus.Publisher
	rater *rater.Rater
	log   *zap.Logger
}

func NewReviewHandler(queue ReviewQueue, pub bus.Publisher, r *rater.Rater, log *zap.Logger) *ReviewHandler {
	return &ReviewHandler{queue: queue, pub: pub, rater: r, log: log.Named("admin-review")}
}

func (h *ReviewHandler) Register(e *echo.Echo) {
	g := e.Group("/admin/review")
	g.GET("", h.List)
	g.POST("/:id/resolve", h.Resolve)
}

type errResp struct {
	Error string `json:"error"`
}

func errResponse(c echo.Context, status int, msg string) error {
	return c.JSON(status, errResp{Error: msg})
}

func (h *ReviewHandler) List(c echo.Context) error {
	limit := defaultReviewLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return errResponse(c, http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	rows, err := h.queue.ListManualReview(c.Request().Context(), limit)
	if err != nil {
		return errResponse(c, http.StatusInternalServerError, "failed to list review queue")
	}
	if rows == nil {
		rows = []store.ManualReview{}
	}
	return c.JSON(http.StatusOK, rows)
}

type resolveReq struct {
	UserID    string `json:"user_id"`
	VehicleID string `json:"vehicle_id"`
	Note      string `json:"note"`
}

// Resolve assigns a user and vehicle to a parked event, prices it, publishes
// the matched record, and removes the queue row. Publish happens before the
// delete: a crash in between leaves the row behind, and re-resolving it is
// absorbed downstream by the (agency, external event) uniqueness on insert.
func (h *ReviewHandler) Resolve(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errResponse(c, http.StatusBadRequest, "invalid review id")
	}

	var req resolveReq
	if err := c.Bind(&req); err != nil {
		return errResponse(c, http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.VehicleID == "" {
		return errResponse(c, http.StatusBadRequest, "user_id and vehicle_id are required")
	}

	ctx := c.Request().Context()
	row, err := h.queue.GetManualReview(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errResponse(c, http.StatusNotFound, "review row not found")
	}
	if err != nil {
		return errResponse(c, http.StatusInternalServerError, "failed to load review row")
	}

	var ev domain.NormalizedEvent
	if err := json.Unmarshal(row.NormalizedEvent, &ev); err != nil {
		return errResponse(c, http.StatusInternalServerError, "stored event is unreadable")
	}

	res := domain.MatchResult{
		Matched:    true,
		UserID:     req.UserID,
		VehicleID:  req.VehicleID,
		Confidence: 1.0,
		MatchType:  domain.MatchManualReview,
		Notes:      req.Note,
	}

	record, err := matcher.BuildRecord(ctx, h.rater, ev, res)
	if err != nil {
		return errResponse(c, http.StatusInternalServerError, "failed to rate event")
	}

	if err := h.publish(ctx, record); err != nil {
		h.log.Error("resolved record publish failed", zap.Int64("review_id", id), zap.Error(err))
		return errResponse(c, http.StatusBadGateway, "failed to publish resolved event")
	}

	if err := h.queue.DeleteManualReview(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return errResponse(c, http.StatusInternalServerError, "failed to remove review row")
	}

	h.log.Info("manual review resolved",
		zap.Int64("review_id", id),
		zap.String("user", req.UserID),
		zap.String("vehicle", req.VehicleID),
		zap.String("event", record.Event.ID),
	)
	return c.JSON(http.StatusOK, record)
}

func (h *ReviewHandler) publish(ctx context.Context, record domain.MatchedRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode matched record: %w", err)
	}
	hdrs := bus.NewHeaders(ctx, "MatchedRecord", "admin-review")
	hdrs[bus.HeaderMessageID] = record.Event.ID
	bus.InjectTrace(ctx, hdrs)
	return h.pub.Publish(ctx, bus.TopicMatched, record.Event.UserID, value, hdrs)
}
