package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// Business codes.
const (
	CodeCreditsNotFound     = 1001
	CodeBalanceNotEnough    = 1002
	CodeTransactionNotFound = 1003
	CodeNotReversible       = 1004
	CodeConcurrentUpdate    = 1005
	CodeWalletNotReady      = 1006
	CodeAuthorNotFound      = 1007
	CodeWalletFailed        = 1008
)

// GenericErrorMessage is shown for errors that have no business meaning to the caller.
const GenericErrorMessage = "something went wrong, please try again"

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, CodeNotFound, message)
}

func ServerError(c *gin.Context) {
	Error(c, CodeServerError, GenericErrorMessage)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
