package shared

// UpdateOutcome represents the result of applying a live update to a candle series.
type UpdateOutcome int

const (
	Appended UpdateOutcome = iota
	Replaced
	OutOfOrder
	Malformed
	NotReady
	Stale
)

// String stringifies the provided update outcome.
func (o UpdateOutcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case OutOfOrder:
		return "out_of_order"
	case Malformed:
		return "malformed"
	case NotReady:
		return "not_ready"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Applied returns whether the outcome changed the series.
func (o UpdateOutcome) Applied() bool {
	return o == Appended || o == Replaced
}
