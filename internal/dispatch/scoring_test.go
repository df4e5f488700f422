package dispatch

import (
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/pkg/models"
)

func testInputs() scoreInputs {
	return scoreInputs{
		weights:      models.DefaultScoreWeights(),
		radiusCapKm:  15,
		fleetAvgEarn: 1000,
	}
}

func TestScoreCandidatePerfect(t *testing.T) {
	c := &Candidate{
		PickupKm:       0,
		EtaSeconds:     0,
		RejectionProb:  0,
		TodayEarnings:  0, // below-average earners score above 0.5 on balance
		ZonePreference: 1,
		Rating:         5,
	}
	got := scoreCandidate(c, testInputs())
	if got <= 0.9 || got > 1.0 {
		t.Fatalf("near-ideal candidate scored %v", got)
	}
}

func TestScoreCandidateBounded(t *testing.T) {
	worst := &Candidate{
		PickupKm:       100,
		EtaSeconds:     7200,
		RejectionProb:  1,
		TodayEarnings:  1e6,
		ZonePreference: 0,
		Rating:         0,
	}
	if got := scoreCandidate(worst, testInputs()); got < 0 || got > 0.01 {
		t.Fatalf("worst candidate scored %v", got)
	}
}

func TestScoreCandidateCloserWins(t *testing.T) {
	in := testInputs()
	near := &Candidate{PickupKm: 1, EtaSeconds: 120, RejectionProb: 0.3, TodayEarnings: 1000, ZonePreference: 0.5, Rating: 4.5}
	far := &Candidate{PickupKm: 9, EtaSeconds: 900, RejectionProb: 0.3, TodayEarnings: 1000, ZonePreference: 0.5, Rating: 4.5}
	if scoreCandidate(near, in) <= scoreCandidate(far, in) {
		t.Fatal("nearer identical candidate must outscore the farther one")
	}
}

func TestScoreCandidateEarningsBalance(t *testing.T) {
	in := testInputs()
	hungry := &Candidate{PickupKm: 3, EtaSeconds: 300, RejectionProb: 0.2, TodayEarnings: 200, ZonePreference: 0.5, Rating: 4.8}
	fed := &Candidate{PickupKm: 3, EtaSeconds: 300, RejectionProb: 0.2, TodayEarnings: 1800, ZonePreference: 0.5, Rating: 4.8}
	if scoreCandidate(hungry, in) <= scoreCandidate(fed, in) {
		t.Fatal("under-earning driver must be favored, all else equal")
	}

	// no fleet average yet: the term is neutral for everyone
	in.fleetAvgEarn = 0
	if scoreCandidate(hungry, in) != scoreCandidate(fed, in) {
		t.Fatal("earnings term must be neutral without a fleet average")
	}
}

func TestRankCandidatesDeterministicTies(t *testing.T) {
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	high := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")

	a := &Candidate{DriverID: high, Score: 0.7, Rating: 4.0}
	b := &Candidate{DriverID: low, Score: 0.7, Rating: 4.0}
	c := &Candidate{DriverID: uuid.New(), Score: 0.7, Rating: 4.9}
	d := &Candidate{DriverID: uuid.New(), Score: 0.9, Rating: 1.0}

	cands := []*Candidate{a, b, c, d}
	rankCandidates(cands)

	if cands[0] != d {
		t.Fatal("highest score must rank first")
	}
	if cands[1] != c {
		t.Fatal("score tie must break on rating")
	}
	if cands[2] != b || cands[3] != a {
		t.Fatal("full tie must break on lower driver id")
	}
}

func TestEstimateFare(t *testing.T) {
	cases := []struct {
		name   string
		meters int
		surge  float64
		want   float64
	}{
		{"minimum fare floor", 200, 1.0, 100},
		{"metered distance", 10000, 1.0, 335},
		{"surge applies after floor", 200, 1.5, 150},
		{"surge on metered", 10000, 1.1, math.Round(335 * 1.1)},
		{"surge below one ignored", 10000, 0, 335},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EstimateFare(tc.meters, tc.surge); got != tc.want {
				t.Fatalf("EstimateFare(%d, %v) = %v, want %v", tc.meters, tc.surge, got, tc.want)
			}
		})
	}
}
