package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gossiphub/internal/middleware"
	"gossiphub/internal/services"
)

func currentUser(c *gin.Context) string {
	return c.GetString(middleware.ContextUserID)
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{services.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{services.ErrForbidden, http.StatusForbidden, "forbidden"},
	{services.ErrNotFound, http.StatusNotFound, "not_found"},
	{services.ErrPeerUnreachable, http.StatusConflict, "peer_unreachable"},
	{services.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{services.ErrInvalidInput, http.StatusBadRequest, "bad_request"},
	{services.ErrTransientStorage, http.StatusServiceUnavailable, "unavailable"},
}

func classify(err error) (int, string) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// publicMessage hides storage details from clients.
func publicMessage(err error, status int) string {
	switch status {
	case http.StatusServiceUnavailable:
		return services.ErrTransientStorage.Error()
	case http.StatusInternalServerError:
		return "internal error"
	}
	return err.Error()
}

func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": publicMessage(err, status), "code": code})
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return n
}
