package health

import (
	"context"
	"time"
)

// AuthCheck is healthy while valid reports a usable session credential.
// failures, if set, is reported as a detail.
func AuthCheck(valid func() bool, failures func() int) Check {
	return func(ctx context.Context) CheckResult {
		details := map[string]any{}
		if failures != nil {
			details["consecutive_failures"] = failures()
		}
		if !valid() {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "no valid session credential",
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "credential valid",
			Details: details,
		}
	}
}

// StreamCheck is healthy while lastData is within maxAge of now. Before
// any data has arrived the stream is reported unknown.
func StreamCheck(lastData func() time.Time, maxAge time.Duration, now func() time.Time) Check {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) CheckResult {
		last := lastData()
		if last.IsZero() {
			return CheckResult{Status: StatusUnknown, Message: "no data received yet"}
		}
		age := now().Sub(last)
		details := map[string]any{
			"last_data": last.UTC(),
			"age":       age.Round(time.Millisecond).String(),
		}
		if age > maxAge {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "stream idle",
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "stream receiving data",
			Details: details,
		}
	}
}

// PingCheck wraps a connectivity probe such as (*sql.DB).PingContext.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "ping failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "ping ok"}
	}
}
