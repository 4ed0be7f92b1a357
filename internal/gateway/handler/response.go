package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Response 所有网关API的统一响应信封
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// respondOK 返回成功响应
func respondOK(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, Response{
		Status:  http.StatusOK,
		Message: "success",
		Data:    data,
	})
}

// respondError 返回错误响应
func respondError(c echo.Context, status int, message string) error {
	return c.JSON(status, Response{
		Status:  status,
		Message: message,
	})
}
