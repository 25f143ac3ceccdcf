package auth

// Actor is whoever is making a request: an operator, a device, or nobody.
type Actor struct {
	Operator  bool
	DeviceKey string
}

type Action string

const (
	ActionRead   Action = "read"
	ActionReport Action = "report"
	ActionManage Action = "manage"
)

// Resource names the thing an actor wants to touch.
type Resource struct {
	Kind      string
	DeviceKey string
}

const (
	ResourceDevice   = "device"
	ResourceLocation = "location"
	ResourceCompany  = "company"
	ResourceWebhook  = "webhook"
)

// Can is the single authorization check: operators can do everything, a
// device can read and report against its own record only, and anonymous
// callers can do nothing.
func Can(actor Actor, resource Resource, action Action) bool {
	if actor.Operator {
		return true
	}
	if actor.DeviceKey == "" {
		return false
	}
	if resource.Kind != ResourceDevice {
		return false
	}
	if resource.DeviceKey != actor.DeviceKey {
		return false
	}
	return action == ActionRead || action == ActionReport
}
