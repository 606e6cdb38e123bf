package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/taleforge/api/internal/model"
	"github.com/taleforge/api/internal/service"
	"github.com/taleforge/api/pkg/response"
)

// respondError maps service errors to the response envelope.
func respondError(c *fiber.Ctx, err error) error {
	var (
		invalidPhoto *service.InvalidPhotoError
		invalidState *model.InvalidJobStateError
		manifestErr  *model.ManifestValidationError
		storageErr   *model.StorageError
		hardErr      *model.FaceSwapHardError
	)

	switch {
	case errors.Is(err, model.ErrRegenerationPageNotAllowed):
		return response.BadRequest(c, response.CodeNotAllowed, err.Error())
	case errors.As(err, &invalidPhoto):
		return response.ValidationError(c, invalidPhoto.Error(), nil)
	case errors.Is(err, model.ErrForbidden):
		return response.Forbidden(c, "Job belongs to another user")
	case model.IsNotFound(err), errors.Is(err, model.ErrObjectNotFound):
		return response.NotFound(c, err.Error())
	case errors.Is(err, model.ErrRegenerationLimitExceeded):
		return response.LimitExceeded(c, "Regeneration limit reached")
	case errors.As(err, &invalidState):
		return response.Conflict(c, invalidState.Error(), fiber.Map{
			"current": invalidState.Current,
		})
	case errors.As(err, &manifestErr):
		return response.ValidationError(c, manifestErr.Error(), fiber.Map{"slug": manifestErr.Slug})
	case errors.As(err, &hardErr), model.IsTransient(err), errors.As(err, &storageErr):
		return response.BadGateway(c, err.Error())
	}
	return response.ServiceError(c, err.Error())
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}
