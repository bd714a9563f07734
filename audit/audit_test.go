package audit_test

import (
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"election-ledger/audit"
	"election-ledger/election"
	"election-ledger/encryption"
)

var organizer = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type fixture struct {
	cs       *encryption.CryptoService
	registry *election.Registry
	id       uint64
	prv      string
}

// newFixture casts the nine encrypted choices plus two unusable tickets.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cs := encryption.NewCryptoService()
	pub, prv, err := cs.GenerateKeyPair()
	require.NoError(t, err)

	r := election.NewRegistry()
	id, err := r.CreateElection("test vote 1", "Alice", pub, []string{"apple", "banana", "watermelon"}, organizer)
	require.NoError(t, err)

	for _, b := range []int{1, 2, 1, 1, 2, 3, 1, 2, 0} {
		ct, err := cs.Encrypt([]byte(strconv.Itoa(b)), pub)
		require.NoError(t, err)
		_, err = r.CastBallot(id, ct, "", organizer)
		require.NoError(t, err)
	}
	word, err := cs.Encrypt([]byte(`"asdasd"`), pub)
	require.NoError(t, err)
	_, err = r.CastBallot(id, word, "", organizer)
	require.NoError(t, err)
	_, err = r.CastBallot(id, "garbage", "5678", organizer)
	require.NoError(t, err)

	return &fixture{cs: cs, registry: r, id: id, prv: prv}
}

func (f *fixture) bundle(t *testing.T) *audit.Bundle {
	t.Helper()
	e, err := f.registry.Election(f.id)
	require.NoError(t, err)
	options, err := f.registry.Options(f.id)
	require.NoError(t, err)
	tickets, err := f.registry.Tickets(f.id)
	require.NoError(t, err)
	return &audit.Bundle{Election: e, Options: options, Tickets: tickets}
}

func TestAuditRequiresDisclosure(t *testing.T) {
	f := newFixture(t)
	_, err := audit.Audit(f.bundle(t), f.cs, nil)
	assert.ErrorIs(t, err, audit.ErrNotDisclosed)
}

func TestHonestTallyMatches(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.CloseElection(f.id, f.prv, []uint64{4, 3, 1}, organizer))

	var seen int
	report, err := audit.Audit(f.bundle(t), f.cs, func(audit.TicketResult) { seen++ })
	require.NoError(t, err)

	assert.Equal(t, 11, seen)
	assert.Equal(t, []uint64{4, 3, 1}, report.Counted)
	assert.Equal(t, uint64(8), report.Valid)
	assert.Equal(t, uint64(3), report.Invalid)
	assert.True(t, report.Matches)
	assert.Empty(t, report.Mismatches)
	assert.False(t, report.SumExceedsTickets)

	assert.Equal(t, audit.StatusOutOfRange, report.Tickets[8].Status)
	assert.Equal(t, audit.StatusNonNumeric, report.Tickets[9].Status)
	assert.Equal(t, audit.StatusUndecryptable, report.Tickets[10].Status)
	assert.Nil(t, report.Tickets[10].Signer)
}

func TestWrongTallyIsFlagged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.CloseElection(f.id, f.prv, []uint64{4, 2, 1}, organizer))

	report, err := audit.Audit(f.bundle(t), f.cs, nil)
	require.NoError(t, err)
	assert.False(t, report.Matches)
	assert.Equal(t, []audit.Mismatch{{OptionID: 2, Claimed: 2, Counted: 3}}, report.Mismatches)
}

func TestInflatedTallyIsFlagged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.CloseElection(f.id, f.prv, []uint64{10, 3, 1}, organizer))

	report, err := audit.Audit(f.bundle(t), f.cs, nil)
	require.NoError(t, err)
	assert.True(t, report.SumExceedsTickets)
	assert.False(t, report.Matches)
}

func TestAuditIsDeterministic(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.CloseElection(f.id, f.prv, []uint64{4, 3, 1}, organizer))

	first, err := audit.Audit(f.bundle(t), f.cs, nil)
	require.NoError(t, err)
	second, err := audit.Audit(f.bundle(t), f.cs, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSignedTicketRevealsSigner(t *testing.T) {
	cs := encryption.NewCryptoService()
	pub, prv, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	_, voterKey, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	voter, err := cs.AddressOf(voterKey)
	require.NoError(t, err)

	r := election.NewRegistry()
	id, err := r.CreateElection("signed", "Alice", pub, []string{"yes", "no"}, organizer)
	require.NoError(t, err)
	ct, err := cs.Encrypt([]byte(`"2"`), pub)
	require.NoError(t, err)
	sig, err := cs.Sign([]byte(ct), voterKey)
	require.NoError(t, err)
	_, err = r.CastBallot(id, ct, sig, voter)
	require.NoError(t, err)
	require.NoError(t, r.CloseElection(id, prv, []uint64{0, 1}, organizer))

	e, _ := r.Election(id)
	options, _ := r.Options(id)
	tickets, _ := r.Tickets(id)
	report, err := audit.Audit(&audit.Bundle{Election: e, Options: options, Tickets: tickets}, cs, nil)
	require.NoError(t, err)

	require.Len(t, report.Tickets, 1)
	assert.Equal(t, audit.StatusValid, report.Tickets[0].Status)
	assert.Equal(t, uint64(2), report.Tickets[0].Option)
	require.NotNil(t, report.Tickets[0].Signer)
	assert.Equal(t, voter, *report.Tickets[0].Signer)
	assert.True(t, report.Matches)
}

func TestMalformedBundleIsRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.CloseElection(f.id, f.prv, []uint64{4, 3, 1}, organizer))

	cases := map[string]func(b *audit.Bundle){
		"huge option count":   func(b *audit.Bundle) { b.Election.OptionCount = 1 << 62 },
		"option count short":  func(b *audit.Bundle) { b.Election.OptionCount = 2 },
		"results too long":    func(b *audit.Bundle) { b.Election.Results = []uint64{4, 3, 1, 0} },
		"results too short":   func(b *audit.Bundle) { b.Election.Results = []uint64{4} },
		"ticket count lies":   func(b *audit.Bundle) { b.Election.TicketCount = 3 },
		"tickets dropped":     func(b *audit.Bundle) { b.Tickets = b.Tickets[:5] },
		"option ids shuffled": func(b *audit.Bundle) { b.Options[0].ID, b.Options[1].ID = 2, 1 },
		"no options": func(b *audit.Bundle) {
			b.Options = nil
			b.Election.OptionCount = 0
			b.Election.Results = nil
		},
	}
	for name, tamper := range cases {
		t.Run(name, func(t *testing.T) {
			b := f.bundle(t)
			tamper(b)
			var report *audit.Report
			var err error
			require.NotPanics(t, func() { report, err = audit.Audit(b, f.cs, nil) })
			assert.ErrorIs(t, err, audit.ErrMalformedBundle)
			assert.Nil(t, report)
		})
	}
}

func TestOverflowingTallyExceedsTickets(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.CloseElection(f.id, f.prv, []uint64{1 << 63, 1 << 63, 1}, organizer))

	report, err := audit.Audit(f.bundle(t), f.cs, nil)
	require.NoError(t, err)
	assert.True(t, report.SumExceedsTickets)
	assert.False(t, report.Matches)
}

func TestParseChoice(t *testing.T) {
	cases := []struct {
		in     string
		option uint64
		status audit.TicketStatus
	}{
		{`1`, 1, audit.StatusValid},
		{`3`, 3, audit.StatusValid},
		{`"2"`, 2, audit.StatusValid},
		{` 2 `, 2, audit.StatusValid},
		{`0`, 0, audit.StatusOutOfRange},
		{`4`, 0, audit.StatusOutOfRange},
		{`-1`, 0, audit.StatusOutOfRange},
		{`1.5`, 0, audit.StatusOutOfRange},
		{`"asdasd"`, 0, audit.StatusNonNumeric},
		{`asdasd`, 0, audit.StatusNonNumeric},
		{`[1]`, 0, audit.StatusNonNumeric},
		{`1 2`, 0, audit.StatusNonNumeric},
		{``, 0, audit.StatusNonNumeric},
	}
	for _, c := range cases {
		option, status := audit.ParseChoice([]byte(c.in), 3)
		assert.Equal(t, c.status, status, "input %q", c.in)
		assert.Equal(t, c.option, option, "input %q", c.in)
	}
}
