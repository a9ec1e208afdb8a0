package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case errors.Is(err, apperrors.ErrDuplicateCall):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrCapacityExhausted):
		return fiber.NewError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, apperrors.ErrUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
