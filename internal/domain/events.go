package domain

// Lifecycle event kinds published on the notification bus.
const (
	EventOpportunityFound   = "opportunity_found"
	EventPositionOpened     = "position_opened"
	EventPositionClosed     = "position_closed"
	EventUrgentClose        = "urgent_close"
	EventManualIntervention = "manual_intervention"
	EventDegradedStart      = "degraded_start"
)
