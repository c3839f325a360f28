package handler

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/noah-isme/edutrack-api/internal/middleware"
	"github.com/noah-isme/edutrack-api/internal/models"
	appErrors "github.com/noah-isme/edutrack-api/pkg/errors"
)

// Paging bounds skip/limit query parameters.
type Paging struct {
	DefaultLimit int
	MaxLimit     int
}

func identityFromContext(c *gin.Context) *models.Identity {
	return middleware.Identity(c)
}

func requestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}

// pathUUID returns the named path parameter when it is a well-formed UUID.
func pathUUID(c *gin.Context, name string) (string, error) {
	raw := c.Param(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, fmt.Sprintf("invalid %s", name))
	}
	return id.String(), nil
}

func (p Paging) fromQuery(c *gin.Context) (models.PageRequest, error) {
	var page models.PageRequest
	for _, q := range []struct {
		name string
		dst  *int
	}{{"skip", &page.Skip}, {"limit", &page.Limit}} {
		raw := c.Query(q.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return page, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, fmt.Sprintf("%s must be an integer", q.name))
		}
		*q.dst = v
	}
	return page.Normalize(p.DefaultLimit, p.MaxLimit), nil
}

func bindError(err error, message string) error {
	return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message)
}
