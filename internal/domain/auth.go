package domain

// Principal is the authenticated caller, resolved from a session token and
// passed explicitly into every core operation.
type Principal struct {
	ID   string
	Role Role
}
