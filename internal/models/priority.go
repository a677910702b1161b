package models

// Priority labels stored on work requests.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// DefaultPriority is used when the caller omits priority.
const DefaultPriority = 5

// ClampPriority bounds a numeric priority to 1..10. The ticket stores this value.
func ClampPriority(p int) int {
	return min(max(p, 1), 10)
}

// PriorityLabel maps a numeric priority to the coarse label stored on the request.
func PriorityLabel(p int) string {
	switch {
	case p <= 3:
		return PriorityLow
	case p >= 8:
		return PriorityUrgent
	case p >= 6:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}
