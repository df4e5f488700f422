package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the JSON envelope all handlers return.
type Response struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// SuccessResponse writes a 200 with data
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

// CreatedResponse writes a 201 with data
func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Success: true, Data: data})
}

// ErrorResponse writes a plain error with the given status
func ErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, Response{Success: false, Message: message})
}

// AppErrorResponse writes an AppError with its status and stable code
func AppErrorResponse(c *gin.Context, err *AppError) {
	c.JSON(err.Status, Response{Success: false, Code: err.Code, Message: err.Message})
}

// RespondError maps any error to the envelope, unwrapping AppError.
func RespondError(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		AppErrorResponse(c, appErr)
		return
	}
	ErrorResponse(c, http.StatusInternalServerError, "internal error")
}
