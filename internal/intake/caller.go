package intake

import "work-orchestrator/internal/models"

// Caller is the identity a queue request runs under. It is resolved once at
// the transport boundary and is either an InteractiveCaller or a ServiceCaller.
type Caller interface {
	UserID() string
	// DefaultSource is the request source used when the caller names none.
	DefaultSource() string
	sealed()
}

// InteractiveCaller is a verified human session.
type InteractiveCaller struct {
	User string
}

func (c InteractiveCaller) UserID() string      { return c.User }
func (InteractiveCaller) DefaultSource() string { return models.SourceManual }
func (InteractiveCaller) sealed()               {}

// ServiceCaller is an internal service holding the shared secret and acting
// on behalf of User. Workspace is optional.
type ServiceCaller struct {
	User      string
	Workspace string
}

func (c ServiceCaller) UserID() string      { return c.User }
func (ServiceCaller) DefaultSource() string { return models.SourceAPI }
func (ServiceCaller) sealed()               {}
