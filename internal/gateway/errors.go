package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// GatewayError describes a failed provider API call.
type GatewayError struct {
	Op      string // "queryState", "logout", "delete", "create", "connect", "send"
	Status  int    // HTTP status, 0 for transport failures
	Message string
}

func (e *GatewayError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gateway %s: HTTP %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
}

// IsAlreadyInUse reports whether an error from Create signals that the
// instance name already exists on the provider side. The provider reports
// this as 403 or with a recognizable message substring.
func IsAlreadyInUse(err error) bool {
	var ge *GatewayError
	if !errors.As(err, &ge) {
		return false
	}
	if ge.Status == http.StatusForbidden {
		return true
	}
	msg := strings.ToLower(ge.Message)
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
