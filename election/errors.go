package election

import "errors"

var (
	ErrEmptyOptions        = errors.New("vote options must not be empty")
	ErrInvalidElectionID   = errors.New("election id out of range")
	ErrElectionClosed      = errors.New("election is closed")
	ErrUnauthorized        = errors.New("only the organizer can close the election")
	ErrTallyLengthMismatch = errors.New("tally must hold one count per option")
	ErrTallyExceedsTickets = errors.New("tally counts more ballots than were cast")
)

var reasons = []struct {
	err  error
	name string
}{
	{ErrEmptyOptions, "EmptyOptions"},
	{ErrInvalidElectionID, "InvalidElectionId"},
	{ErrElectionClosed, "ElectionClosed"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrTallyLengthMismatch, "TallyLengthMismatch"},
	{ErrTallyExceedsTickets, "TallyExceedsTickets"},
}

// Reason returns the stable name of the rejection carried by err, or an
// empty string when err is not one of this package's errors.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return ""
}
