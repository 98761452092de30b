package provider

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// decodeBody reads c's request body (already size-limited by
// requestSizeLimit) and decodes it into v, returning any unknown wire
// fields for later round-trip. A body exceeding the cap is reported as
// a 413 by writing the response directly and returning a non-nil,
// already-handled error; callers must check c.Writer.Written().
func decodeBody(c *gin.Context, v interface{}) (map[string]interface{}, error) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ivxp.ErrorBody{Error: "request body too large"})
			return nil, errAlreadyHandled
		}
		return nil, ivxp.NewError(ivxp.ErrInvalidRequest, "read request body").WithCause(err)
	}
	switch vv := v.(type) {
	case *ivxp.ServiceRequest:
		extra, err := ivxp.Decode(data, vv)
		return extra, err
	case *ivxp.DeliveryRequest:
		extra, err := ivxp.Decode(data, vv)
		return extra, err
	default:
		return nil, ivxp.NewError(ivxp.ErrInvalidRequest, "unsupported decode target")
	}
}

var errAlreadyHandled = errors.New("response already written")
