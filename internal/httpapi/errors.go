package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
)

var (
	errRouteNotFound    = errors.New("route not found")
	errMethodNotAllowed = errors.New("method not allowed")
	errMissingToken     = errors.New("missing bearer token")
	errForbiddenRole    = errors.New("forbidden role")
	errTooManyAttempts  = errors.New("too many login attempts")
	errInvalidID        = errors.New("invalid id")
)

// statusFor classifies service errors. Anything unknown is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidOrder),
		errors.Is(err, ledger.ErrInvalidLine),
		errors.Is(err, ledger.ErrInvalidProduct):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrProductNotFound),
		errors.Is(err, ledger.ErrSaleNotFound),
		errors.Is(err, ledger.ErrPurchaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientStock),
		errors.Is(err, ledger.ErrAlreadyCancelled),
		errors.Is(err, ledger.ErrProductInUse):
		return http.StatusConflict
	case errors.Is(err, store.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(c *gin.Context, err error) {
	var stockErr *ledger.InsufficientStockError
	if errors.As(err, &stockErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":        ledger.ErrInsufficientStock.Error(),
			"detail":       stockErr.Detail(),
			"product_id":   stockErr.ProductID,
			"product_name": stockErr.ProductName,
			"available":    stockErr.Available,
			"requested":    stockErr.Requested,
		})
		return
	}
	writeError(c, statusFor(err), err)
}

// writeError hides the cause of 5xx responses. 4xx messages are user facing.
func writeError(c *gin.Context, status int, err error) {
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		msg = "storage temporarily unavailable"
	} else if status >= http.StatusInternalServerError {
		msg = "internal server error"
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func abortWithError(c *gin.Context, status int, err error) {
	writeError(c, status, err)
	c.Abort()
}

// bindJSON decodes the body and answers 400 with per-field validation tags
// when binding fails.
func bindJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Namespace()] = fe.Tag()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": fields})
		return false
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(c, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return false
	}
	writeError(c, http.StatusBadRequest, errors.New("invalid request body"))
	return false
}
