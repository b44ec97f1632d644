package models

// Account is a provisioned access record keyed by an opaque account key. The
// JSON field names mirror the on-disk accounts file shared with earlier
// deployments and must not change.
type Account struct {
	PIN          string `json:"pin"`
	BoundAddress string `json:"ip,omitempty"`
	Locked       bool   `json:"locked,omitempty"`
}

// Bound reports whether the account has been tied to a network address by a
// prior successful login.
func (a Account) Bound() bool {
	return a.BoundAddress != ""
}
