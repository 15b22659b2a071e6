package manager

import (
	"cloudslave/internal/model"
	"cloudslave/internal/provisioning"
)

// Verdict is the outcome of one polling pass over a reservation's slaves.
type Verdict struct {
	State model.ReservationState
	// Terminate asks the caller to delete every slave of the reservation.
	Terminate bool
	// Scanned is how many statuses were consumed before the verdict.
	Scanned int
}

// Aggregator folds slave statuses, in persisted order, into a reservation
// state. Observe reports true once the verdict is decided and later slaves
// need not be polled.
type Aggregator struct {
	Total   int
	Expired bool

	active  int
	scanned int
}

// Observe consumes one status. ERROR fails the reservation. BUILD keeps it
// booting, or fails it when the boot deadline has passed.
func (a *Aggregator) Observe(status string) (Verdict, bool) {
	a.scanned++
	switch status {
	case provisioning.StatusError:
		return Verdict{State: model.StateFailedToStart, Terminate: true, Scanned: a.scanned}, true
	case provisioning.StatusBuild:
		if a.Expired {
			return Verdict{State: model.StateFailedToStart, Terminate: true, Scanned: a.scanned}, true
		}
		return Verdict{State: model.StateBooting, Scanned: a.scanned}, true
	case provisioning.StatusActive:
		a.active++
	}
	return Verdict{}, false
}

// Finish returns the verdict after every status was observed without a decision.
func (a *Aggregator) Finish() Verdict {
	if a.active == a.Total {
		return Verdict{State: model.StateReady, Scanned: a.scanned}
	}
	return Verdict{State: model.StateBooting, Scanned: a.scanned}
}

// Aggregate applies an Aggregator to a complete status list.
func Aggregate(statuses []string, total int, expired bool) Verdict {
	agg := Aggregator{Total: total, Expired: expired}
	for _, status := range statuses {
		if v, done := agg.Observe(status); done {
			return v
		}
	}
	return agg.Finish()
}
