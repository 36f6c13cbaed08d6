package ranking

import (
	"testing"

	"quizbee-service/internal/domain"
)

func TestTieBreakOrdering(t *testing.T) {
	// Three participants tied at 100; tie-breaker timestamps put A first.
	participants := []domain.Participant{
		{ID: "B", Name: "Bob", Score: 100},
		{ID: "A", Name: "Alice", Score: 100},
		{ID: "C", Name: "Cara", Score: 100},
	}
	log := AnswerLog{
		"q9": {
			{ParticipantID: "B", Timestamp: 2000},
			{ParticipantID: "A", Timestamp: 1000},
			{ParticipantID: "C", Timestamp: 3000},
		},
	}

	ranked := Rank(participants, log)
	wantOrder := []string{"A", "B", "C"}
	for i, want := range wantOrder {
		if ranked[i].ID != want {
			t.Fatalf("position %d: want %s, got %s", i, want, ranked[i].ID)
		}
	}
	for i, want := range []int{1, 2, 3} {
		if ranked[i].DisplayRank != want {
			t.Fatalf("display rank %d: want %d, got %d", i, want, ranked[i].DisplayRank)
		}
	}
	if ranked[0].TieBreakerRank != 1 || ranked[1].TieBreakerRank != 2 || ranked[2].TieBreakerRank != 3 {
		t.Fatalf("unexpected tie-breaker ranks: %+v", ranked)
	}
}

func TestUnresolvedTieSharesDisplayRank(t *testing.T) {
	participants := []domain.Participant{
		{ID: "A", Name: "Alice", Score: 200},
		{ID: "B", Name: "Bob", Score: 200},
		{ID: "C", Name: "Cara", Score: 150},
	}

	ranked := Rank(participants, nil)
	if ranked[0].DisplayRank != 1 || ranked[1].DisplayRank != 1 {
		t.Fatalf("expected shared rank 1, got %d and %d", ranked[0].DisplayRank, ranked[1].DisplayRank)
	}
	// Next distinct score gets its 1-based position, not an increment.
	if ranked[2].ID != "C" || ranked[2].DisplayRank != 3 {
		t.Fatalf("expected C at rank 3, got %+v", ranked[2])
	}
	// Unresolved ties keep input order.
	if ranked[0].ID != "A" || ranked[1].ID != "B" {
		t.Fatalf("expected stable input order, got %s then %s", ranked[0].ID, ranked[1].ID)
	}
}

func TestHavingTieBreakerRankWinsOverNone(t *testing.T) {
	participants := []domain.Participant{
		{ID: "A", Score: 100},
		{ID: "B", Score: 100},
	}
	log := AnswerLog{
		"q9": {{ParticipantID: "B", Timestamp: 500}},
	}

	ranked := Rank(participants, log)
	if ranked[0].ID != "B" {
		t.Fatalf("expected B (with tie-breaker answer) first, got %s", ranked[0].ID)
	}
	if ranked[0].DisplayRank != 1 || ranked[1].DisplayRank != 2 {
		t.Fatalf("expected distinct ranks, got %d and %d", ranked[0].DisplayRank, ranked[1].DisplayRank)
	}
}

func TestLastAnswerAtBreaksRemainingTies(t *testing.T) {
	participants := []domain.Participant{
		{ID: "A", Score: 100, LastAnswerAt: 9000},
		{ID: "B", Score: 100, LastAnswerAt: 4000},
	}

	ranked := Rank(participants, nil)
	if ranked[0].ID != "B" {
		t.Fatalf("expected earlier lastAnswerAt first, got %s", ranked[0].ID)
	}
	if ranked[1].DisplayRank != 2 {
		t.Fatalf("lastAnswerAt resolved the tie, ranks must differ: %+v", ranked)
	}
}

func TestBestLocalRankAcrossTieBreakerQuestions(t *testing.T) {
	log := AnswerLog{
		"q1": {
			{ParticipantID: "A", Timestamp: 100},
			{ParticipantID: "B", Timestamp: 200},
		},
		"q2": {
			{ParticipantID: "B", Timestamp: 50},
			{ParticipantID: "A", Timestamp: 60},
		},
	}
	best := TieBreakerRanks(log)
	if best["A"] != 1 || best["B"] != 1 {
		t.Fatalf("both earned a local rank 1 somewhere: %+v", best)
	}
}

func TestRankEmptyInputs(t *testing.T) {
	if got := Rank(nil, nil); len(got) != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}
	if got := Rank([]domain.Participant{}, AnswerLog{}); len(got) != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}
}

func TestTeamStandings(t *testing.T) {
	participants := []domain.Participant{
		{ID: "A", Team: "red", Score: 1000},
		{ID: "B", Team: "red", Score: 500},
		{ID: "C", Team: "blue", Score: 1500},
		{ID: "D", Team: "blue", Score: 0},
		{ID: "E", Team: "green", Score: 700},
		{ID: "F", Score: 9999}, // no team, skipped
	}

	standings := TeamStandings(participants)
	if len(standings) != 3 {
		t.Fatalf("expected 3 teams, got %d", len(standings))
	}
	// red and blue tie at 1500 and share rank 1; green is rank 3.
	if standings[0].TotalScore != 1500 || standings[1].TotalScore != 1500 {
		t.Fatalf("expected tied totals first, got %+v", standings)
	}
	if standings[0].DisplayRank != 1 || standings[1].DisplayRank != 1 {
		t.Fatalf("tied teams must share rank: %+v", standings)
	}
	if standings[2].Team != "green" || standings[2].DisplayRank != 3 {
		t.Fatalf("expected green at rank 3, got %+v", standings[2])
	}
	for _, s := range standings {
		if s.Team == "red" && s.AverageScore != 750 {
			t.Fatalf("red average: want 750, got %d", s.AverageScore)
		}
		if s.Team == "blue" && s.AverageScore != 750 {
			t.Fatalf("blue average: want 750, got %d", s.AverageScore)
		}
	}
}

func TestDistinctScoreNeverInheritsTiedGroupRank(t *testing.T) {
	// A tie-broken pair at 300 followed by a lower score: the lower score
	// must get rank 3 even though the pair resolved their order.
	participants := []domain.Participant{
		{ID: "A", Score: 300},
		{ID: "B", Score: 300},
		{ID: "C", Score: 300},
	}
	log := AnswerLog{
		"q9": {
			{ParticipantID: "A", Timestamp: 10},
			{ParticipantID: "B", Timestamp: 20},
		},
	}
	ranked := Rank(participants, log)
	if ranked[0].ID != "A" || ranked[1].ID != "B" || ranked[2].ID != "C" {
		t.Fatalf("unexpected order: %+v", ranked)
	}
	if ranked[0].DisplayRank != 1 || ranked[1].DisplayRank != 2 || ranked[2].DisplayRank != 3 {
		t.Fatalf("resolved ties must not share ranks: %d %d %d",
			ranked[0].DisplayRank, ranked[1].DisplayRank, ranked[2].DisplayRank)
	}
}
