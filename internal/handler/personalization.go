package handler

import (
	"io"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/taleforge/api/internal/middleware"
	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/service"
	"github.com/taleforge/api/pkg/response"
)

type PersonalizationHandler struct {
	service   *service.PersonalizationService
	regen     *service.RegenerationService
	validator *validator.Validate
}

func NewPersonalizationHandler(svc *service.PersonalizationService, regen *service.RegenerationService, v *validator.Validate) *PersonalizationHandler {
	return &PersonalizationHandler{
		service:   svc,
		regen:     regen,
		validator: v,
	}
}

// Upload handles POST /api/personalizations/upload
func (h *PersonalizationHandler) Upload(c *fiber.Ctx) error {
	req := model.CreatePersonalizationRequest{
		Slug:        strings.TrimSpace(c.FormValue("slug")),
		ChildName:   strings.TrimSpace(c.FormValue("childName")),
		ChildGender: model.Gender(c.FormValue("childGender")),
	}
	if raw := c.FormValue("childAge"); raw != "" {
		age, err := strconv.Atoi(raw)
		if err != nil {
			return response.ValidationError(c, "childAge must be a number", nil)
		}
		req.ChildAge = &age
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	file, err := c.FormFile("photo")
	if err != nil {
		return response.ValidationError(c, "Photo is required", nil)
	}
	photo, err := readPhoto(file)
	if err != nil {
		return respondError(c, err)
	}

	result, err := h.service.CreateFromUpload(c.UserContext(), middleware.GetUserID(c), &req, photo)
	if err != nil {
		return respondError(c, err)
	}

	return response.Created(c, result)
}

// Avatar handles POST /api/personalizations/:jobId/avatar
func (h *PersonalizationHandler) Avatar(c *fiber.Ctx) error {
	file, err := c.FormFile("photo")
	if err != nil {
		return response.ValidationError(c, "Photo is required", nil)
	}
	photo, err := readPhoto(file)
	if err != nil {
		return respondError(c, err)
	}

	result, err := h.service.ReplaceAvatar(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c), photo)
	if err != nil {
		return respondError(c, err)
	}

	return response.Accepted(c, result)
}

// Confirm handles POST /api/personalizations/:jobId/confirm
func (h *PersonalizationHandler) Confirm(c *fiber.Ctx) error {
	var req model.ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	req.ChildName = strings.TrimSpace(req.ChildName)

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Confirm(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c), &req)
	if err != nil {
		return respondError(c, err)
	}

	return response.Accepted(c, result)
}

// Purchase handles POST /api/personalizations/:jobId/purchase
func (h *PersonalizationHandler) Purchase(c *fiber.Ctx) error {
	result, err := h.service.ConfirmPurchase(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return respondError(c, err)
	}

	return response.Accepted(c, result)
}

// Regenerate handles POST /api/personalizations/:jobId/regenerate
func (h *PersonalizationHandler) Regenerate(c *fiber.Ctx) error {
	var req model.RegenerateStageRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.regen.Regenerate(c.UserContext(), service.RegenerateRequest{
		JobID:  c.Params("jobId"),
		UserID: middleware.GetUserID(c),
		Stage:  req.Stage,
	})
	if err != nil {
		return respondError(c, err)
	}

	return response.Accepted(c, result)
}

// RegeneratePage handles POST /api/personalizations/:jobId/pages/:pageNum/regenerate
// An optional "photo" file replaces the child photo for this run only.
func (h *PersonalizationHandler) RegeneratePage(c *fiber.Ctx) error {
	pageNum, err := c.ParamsInt("pageNum")
	if err != nil || pageNum <= 0 {
		return response.ValidationError(c, "Invalid page number", nil)
	}

	req := service.RegenerateRequest{
		JobID:   c.Params("jobId"),
		UserID:  middleware.GetUserID(c),
		PageNum: &pageNum,
	}

	if raw := c.FormValue("stage"); raw != "" {
		stage, err := model.ParseStage(raw)
		if err != nil {
			return response.ValidationError(c, "Invalid stage", nil)
		}
		req.Stage = stage
	}

	if file, err := c.FormFile("photo"); err == nil {
		photo, err := readPhoto(file)
		if err != nil {
			return respondError(c, err)
		}
		req.OverridePhoto = photo
	}

	result, err := h.regen.Regenerate(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}

	return response.Accepted(c, result)
}

// Cancel handles POST /api/personalizations/:jobId/cancel
func (h *PersonalizationHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.service.Cancel(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Status handles GET /api/personalizations/:jobId
func (h *PersonalizationHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.Status(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// PageRegenerations handles GET /api/personalizations/:jobId/pages/regenerations
func (h *PersonalizationHandler) PageRegenerations(c *fiber.Ctx) error {
	result, err := h.service.PageRegenerations(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Artifacts handles GET /api/personalizations/:jobId/artifacts
func (h *PersonalizationHandler) Artifacts(c *fiber.Ctx) error {
	result, err := h.service.Artifacts(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Register mounts the personalization routes on router. regenLimit and
// uploadLimit are applied to the matching routes; internal guards the
// purchase callback.
func (h *PersonalizationHandler) Register(router fiber.Router, uploadLimit, regenLimit, internal fiber.Handler) {
	p := router.Group("/personalizations")
	p.Post("/upload", uploadLimit, h.Upload)
	p.Post("/:jobId/avatar", uploadLimit, h.Avatar)
	p.Post("/:jobId/confirm", h.Confirm)
	p.Post("/:jobId/purchase", internal, h.Purchase)
	p.Post("/:jobId/regenerate", regenLimit, h.Regenerate)
	p.Post("/:jobId/pages/:pageNum/regenerate", regenLimit, h.RegeneratePage)
	p.Post("/:jobId/cancel", h.Cancel)
	p.Get("/:jobId/pages/regenerations", h.PageRegenerations)
	p.Get("/:jobId/artifacts", h.Artifacts)
	p.Get("/:jobId", h.Status)
}

func readPhoto(file *multipart.FileHeader) ([]byte, error) {
	if file.Size > service.MaxPhotoSize {
		return nil, &service.InvalidPhotoError{Reason: "photo exceeds 15MB limit"}
	}

	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(io.LimitReader(f, service.MaxPhotoSize+1))
}
