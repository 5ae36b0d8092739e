package services

import "wasteops/internal/models"

// TripConstraintValidator enforces the per-driver trip rules. It is pure:
// callers supply the snapshot it judges.
type TripConstraintValidator struct {
	MaxTripsPerDay int
}

// ValidateStart checks a request for tripNumber against active (the driver's
// non-terminal sessions at any feeder point) and today (the driver's sessions
// at the requested feeder point on the current day). Rules are checked in
// order and the first failure is returned as a *ValidationError.
// Cancelled sessions do not consume a trip number.
func (v TripConstraintValidator) ValidateStart(active, today []models.TripSession, tripNumber int) error {
	for _, s := range active {
		if s.Status.Active() {
			return invalid(CodeActiveTripExists,
				"Trip %d at %s is still open. End or cancel it before starting a new trip.",
				s.TripNumber, nameOr(s.FeederPointName, s.FeederPointID))
		}
	}

	for _, s := range today {
		if s.Status != models.TripCancelled && s.TripNumber == tripNumber {
			return invalid(CodeTripNumberTaken, "Trip %d has already been taken today at this feeder point.", tripNumber)
		}
	}

	if tripNumber > v.max() {
		return invalid(CodeMaxTripsExceeded, "At most %d trips per day are allowed at a feeder point.", v.max())
	}

	if next := NextTripNumber(today); tripNumber != next {
		return invalid(CodeTripOutOfSequence, "Trips must be taken in order. Trip %d is next.", next)
	}
	return nil
}

func (v TripConstraintValidator) max() int {
	if v.MaxTripsPerDay <= 0 {
		return 3
	}
	return v.MaxTripsPerDay
}

// NextTripNumber is one more than the highest non-cancelled trip number in today.
func NextTripNumber(today []models.TripSession) int {
	highest := 0
	for _, s := range today {
		if s.Status != models.TripCancelled && s.TripNumber > highest {
			highest = s.TripNumber
		}
	}
	return highest + 1
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
