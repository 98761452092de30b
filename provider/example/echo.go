// Package example provides a minimal ServiceHandler for demo binaries.
package example

import (
	"context"
	"fmt"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// EchoHandler fulfills any order by echoing back its service description
// as plain text. It exists to exercise the provider engine end to end
// without depending on a real upstream service.
type EchoHandler struct{}

func (EchoHandler) Fulfill(ctx context.Context, o *ivxp.Order) (content string, format string, err error) {
	return fmt.Sprintf("service %s fulfilled for order %s", o.ServiceType, o.OrderID), "text/plain", nil
}

var _ ivxp.ServiceHandler = EchoHandler{}
