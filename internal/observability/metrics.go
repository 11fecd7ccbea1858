package observability

const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MExternalRequests        MetricKey = "external_requests_total"
	MExternalRequestDuration MetricKey = "external_request_duration_seconds"
	// MCheckoutSideEffects counts partial side effects left behind by failed checkouts.
	MCheckoutSideEffects MetricKey = "checkout_side_effects_total"
	MEventsDispatched    MetricKey = "events_dispatched_total"
)
