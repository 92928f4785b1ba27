package scheduling

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/post-scheduler/internal/cadence"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Pagination constants.
const (
	DefaultPostsLimit = 50
	MaxPostsLimit     = 500
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrChannelNotFound, Status: http.StatusNotFound, Message: "channel not found"},
	{Error: ErrScheduleNotFound, Status: http.StatusNotFound, Message: "schedule not found"},
	{Error: ErrPostNotFound, Status: http.StatusNotFound, Message: "post not found"},
	{Error: ErrChannelNotOwned, Status: http.StatusNotFound, Message: "channel not found"},
	{Error: ErrChannelExists, Status: http.StatusConflict, Message: "channel already registered"},
	{Error: ErrPostNotDead, Status: http.StatusConflict, Message: "only dead posts can be requeued"},
	{Error: ErrScheduleChanged, Status: http.StatusConflict, Message: "schedule changed concurrently"},
	{Error: ErrInvalidChannelKind, Status: http.StatusBadRequest},
	{Error: ErrInvalidVerificationStatus, Status: http.StatusBadRequest},
	{Error: ErrInvalidContent, Status: http.StatusBadRequest},
	{Error: ErrEmptyBatch, Status: http.StatusBadRequest},
	{Error: ErrBatchTooLarge, Status: http.StatusBadRequest},
	{Error: ErrInvalidStatsRange, Status: http.StatusBadRequest},
	{Error: cadence.ErrInvalidSpec, Status: http.StatusBadRequest},
	{Error: cadence.ErrUnknownKind, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for the scheduling module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new scheduling handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers routes available to channel owners.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/channels", func(r chi.Router) {
		r.Get("/", h.ListChannels)
		r.Post("/", h.CreateChannel)
		r.Get("/{id}", h.GetChannel)
		r.Delete("/{id}", h.DeleteChannel)
		r.Get("/{id}/schedules", h.ListSchedules)
		r.Post("/{id}/schedules", h.CreateSchedule)
		r.Get("/{id}/stats", h.GetStats)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/{id}", h.GetSchedule)
		r.Delete("/{id}", h.DeleteSchedule)
		r.Put("/{id}/spec", h.UpdateSpec)
		r.Post("/{id}/pause", h.PauseSchedule)
		r.Post("/{id}/resume", h.ResumeSchedule)
		r.Get("/{id}/posts", h.ListPosts)
		r.Post("/{id}/posts", h.EnqueuePost)
		r.Post("/{id}/posts/bulk", h.EnqueueBulk)
	})

	r.Delete("/posts/{id}", h.DeletePost)
	r.Post("/posts/{id}/requeue", h.RequeuePost)

	r.Get("/me/context", h.GetUserContext)
	r.Put("/me/context", h.SetUserContext)
}

// RegisterVerifierRoutes registers routes that require verifier role.
func (h *Handler) RegisterVerifierRoutes(r chi.Router) {
	r.Put("/channels/{id}/verification", h.SetVerification)
}

// CreateChannelRequest represents the request body for registering a channel.
type CreateChannelRequest struct {
	Kind       string `json:"kind" validate:"required,oneof=telegram mattermost"`
	ExternalID string `json:"external_id" validate:"required,min=1,max=512"`
	Title      string `json:"title" validate:"max=255"`
}

// SetVerificationRequest represents the request body for changing verification status.
type SetVerificationRequest struct {
	Status string `json:"status" validate:"required,oneof=unverified pending_verification verified"`
}

// CreateScheduleRequest represents the request body for creating a schedule.
type CreateScheduleRequest struct {
	Name string          `json:"name" validate:"max=255"`
	Spec json.RawMessage `json:"spec" validate:"required"`
}

// UpdateSpecRequest represents the request body for replacing a schedule's cadence.
type UpdateSpecRequest struct {
	Spec json.RawMessage `json:"spec" validate:"required"`
}

// EntityRequest is one formatting span of a text or caption.
type EntityRequest struct {
	Type          string `json:"type" validate:"required"`
	Offset        int    `json:"offset" validate:"min=0"`
	Length        int    `json:"length" validate:"min=1"`
	URL           string `json:"url" validate:"omitempty,url"`
	UserID        int64  `json:"user_id"`
	Language      string `json:"language" validate:"max=64"`
	CustomEmojiID string `json:"custom_emoji_id" validate:"max=64"`
}

// MediaItemRequest is one album element.
type MediaItemRequest struct {
	MediaType string          `json:"media_type" validate:"required,oneof=photo video document"`
	FileID    string          `json:"file_id" validate:"required,max=1024"`
	Caption   string          `json:"caption"`
	Entities  []EntityRequest `json:"entities" validate:"dive"`
}

// PostRequest represents one post in an enqueue request.
type PostRequest struct {
	Text      string             `json:"text"`
	ParseMode string             `json:"parse_mode"`
	Entities  []EntityRequest    `json:"entities" validate:"dive"`
	MediaType string             `json:"media_type" validate:"omitempty,oneof=photo video document media_group"`
	FileID    string             `json:"file_id" validate:"max=1024"`
	Media     []MediaItemRequest `json:"media" validate:"dive"`
}

// ToDomain converts the request to a domain model.
func (r *PostRequest) ToDomain() domain.Content {
	c := domain.Content{
		Text:      r.Text,
		ParseMode: r.ParseMode,
		Entities:  entitiesToDomain(r.Entities),
		MediaType: domain.MediaType(r.MediaType),
		FileID:    r.FileID,
	}
	for _, item := range r.Media {
		c.Media = append(c.Media, domain.MediaItem{
			MediaType: domain.MediaType(item.MediaType),
			FileID:    item.FileID,
			Caption:   item.Caption,
			Entities:  entitiesToDomain(item.Entities),
		})
	}
	return c
}

func entitiesToDomain(in []EntityRequest) []domain.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Entity, 0, len(in))
	for _, e := range in {
		out = append(out, domain.Entity(e))
	}
	return out
}

// BulkPostsRequest represents the request body for enqueueing several posts.
type BulkPostsRequest struct {
	Posts []PostRequest `json:"posts" validate:"required,min=1,dive"`
}

// UserContextRequest represents the request body for storing the current selection.
type UserContextRequest struct {
	ChannelID  *string `json:"channel_id" validate:"omitempty,uuid"`
	ScheduleID *string `json:"schedule_id" validate:"omitempty,uuid"`
}

// ScheduleResponse is a schedule as returned by the API.
type ScheduleResponse struct {
	*domain.Schedule
	Spec     json.RawMessage `json:"spec,omitempty"`
	Upcoming []time.Time     `json:"upcoming,omitempty"`
}

func newScheduleResponse(s *domain.Schedule, upcoming []time.Time) ScheduleResponse {
	resp := ScheduleResponse{Schedule: s, Upcoming: upcoming}
	if s.SpecErr == nil && s.Spec != nil {
		if raw, err := cadence.Encode(s.Spec); err == nil {
			resp.Spec = raw
		}
	}
	return resp
}

// CreateChannel handles POST /channels request.
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	userID := httputil.GetUserID(r.Context())
	channel, err := h.service.CreateChannel(r.Context(), userID, CreateChannelInput{
		Kind:       domain.ChannelKind(req.Kind),
		ExternalID: req.ExternalID,
		Title:      req.Title,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, channel)
}

// ListChannels handles GET /channels request.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	channels, err := h.service.ListChannels(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, channels)
}

// GetChannel handles GET /channels/{id} request.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	channel, err := h.service.GetChannel(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, channel)
}

// DeleteChannel handles DELETE /channels/{id} request.
func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	if err := h.service.DeleteChannel(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.NoContent(w, http.StatusNoContent)
}

// SetVerification handles PUT /channels/{id}/verification request.
func (h *Handler) SetVerification(w http.ResponseWriter, r *http.Request) {
	var req SetVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	channel, err := h.service.SetVerificationStatus(r.Context(), chi.URLParam(r, "id"), domain.VerificationStatus(req.Status))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, channel)
}

// CreateSchedule handles POST /channels/{id}/schedules request.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	spec, err := cadence.Parse(req.Spec)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	userID := httputil.GetUserID(r.Context())
	schedule, err := h.service.CreateSchedule(r.Context(), userID, chi.URLParam(r, "id"), req.Name, spec)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, newScheduleResponse(schedule, nil))
}

// ListSchedules handles GET /channels/{id}/schedules request.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	schedules, err := h.service.ListSchedules(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	resp := make([]ScheduleResponse, 0, len(schedules))
	for i := range schedules {
		resp = append(resp, newScheduleResponse(&schedules[i], nil))
	}

	httputil.Success(w, http.StatusOK, resp)
}

// GetSchedule handles GET /schedules/{id} request.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	details, err := h.service.GetSchedule(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	resp := newScheduleResponse(details.Schedule, details.Upcoming)
	if resp.Upcoming == nil {
		resp.Upcoming = []time.Time{}
	}
	httputil.Success(w, http.StatusOK, resp)
}

// UpdateSpec handles PUT /schedules/{id}/spec request.
func (h *Handler) UpdateSpec(w http.ResponseWriter, r *http.Request) {
	var req UpdateSpecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	spec, err := cadence.Parse(req.Spec)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	userID := httputil.GetUserID(r.Context())
	schedule, err := h.service.UpdateSpec(r.Context(), userID, chi.URLParam(r, "id"), spec)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, newScheduleResponse(schedule, nil))
}

// PauseSchedule handles POST /schedules/{id}/pause request.
func (h *Handler) PauseSchedule(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	schedule, err := h.service.Pause(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, newScheduleResponse(schedule, nil))
}

// ResumeSchedule handles POST /schedules/{id}/resume request.
func (h *Handler) ResumeSchedule(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	schedule, err := h.service.Resume(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, newScheduleResponse(schedule, nil))
}

// DeleteSchedule handles DELETE /schedules/{id} request.
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	if err := h.service.DeleteSchedule(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.NoContent(w, http.StatusNoContent)
}

// EnqueuePost handles POST /schedules/{id}/posts request.
func (h *Handler) EnqueuePost(w http.ResponseWriter, r *http.Request) {
	var req PostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	userID := httputil.GetUserID(r.Context())
	posts, err := h.service.Enqueue(r.Context(), userID, chi.URLParam(r, "id"), []domain.Content{req.ToDomain()})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, posts[0])
}

// EnqueueBulk handles POST /schedules/{id}/posts/bulk request.
func (h *Handler) EnqueueBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkPostsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	contents := make([]domain.Content, 0, len(req.Posts))
	for i := range req.Posts {
		contents = append(contents, req.Posts[i].ToDomain())
	}

	userID := httputil.GetUserID(r.Context())
	posts, err := h.service.Enqueue(r.Context(), userID, chi.URLParam(r, "id"), contents)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, posts)
}

// ListPosts handles GET /schedules/{id}/posts request.
func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	filter := PostFilter{Limit: DefaultPostsLimit}

	if state := r.URL.Query().Get("state"); state != "" {
		s := domain.PostState(state)
		filter.State = &s
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			httputil.Error(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		filter.Limit = min(limit, MaxPostsLimit)
	}

	userID := httputil.GetUserID(r.Context())
	posts, err := h.service.ListPosts(r.Context(), userID, chi.URLParam(r, "id"), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, posts)
}

// DeletePost handles DELETE /posts/{id} request. A post that is being sent
// is removed after delivery finishes and the response is 202.
func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	discarded, err := h.service.DeletePost(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	if discarded {
		httputil.NoContent(w, http.StatusAccepted)
		return
	}
	httputil.NoContent(w, http.StatusNoContent)
}

// RequeuePost handles POST /posts/{id}/requeue request.
func (h *Handler) RequeuePost(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	post, err := h.service.RequeuePost(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, post)
}

// GetStats handles GET /channels/{id}/stats request.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	days := 0
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		d, err := strconv.Atoi(daysStr)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid days parameter")
			return
		}
		days = d
	}

	userID := httputil.GetUserID(r.Context())
	stats, err := h.service.Stats(r.Context(), userID, chi.URLParam(r, "id"), days)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// GetUserContext handles GET /me/context request.
func (h *Handler) GetUserContext(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	uc, err := h.service.GetUserContext(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, uc)
}

// SetUserContext handles PUT /me/context request.
func (h *Handler) SetUserContext(w http.ResponseWriter, r *http.Request) {
	var req UserContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	userID := httputil.GetUserID(r.Context())
	uc, err := h.service.SetUserContext(r.Context(), userID, req.ChannelID, req.ScheduleID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, uc)
}
