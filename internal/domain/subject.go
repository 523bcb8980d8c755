package domain

// Subject identifies whoever connected from an address. The zero value stands
// for an unauthenticated check.
type Subject struct {
	ID   string
	Name string
}

func (s Subject) Anonymous() bool {
	return s.ID == ""
}
