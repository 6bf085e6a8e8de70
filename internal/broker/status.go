package broker

// Terminal statuses in the broker's vocabulary. These are the only ones the
// order journal records; everything else is an intermediate state.
const (
	StatusNew             = "new"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusExpired         = "expired"
	StatusRejected        = "rejected"
)

// IsTerminal reports whether a broker order status admits no further
// transition.
func IsTerminal(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// NormalizeStatus collapses the broker's intermediate status variants into
// the core vocabulary. Terminal statuses pass through unchanged.
func NormalizeStatus(status string) string {
	switch status {
	case "pending_new", "accepted", "accepted_for_bidding":
		return "pending"
	case "pending_cancel", "pending_replace", "calculated", "stopped", "suspended":
		return "pending"
	case "done_for_day":
		return StatusExpired
	}
	return status
}
