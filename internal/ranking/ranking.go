// Package ranking converts the live participant set plus the tie-breaker
// answer log into a total order with reproducible rank numbers. It is pure:
// the host dashboard, the audience board, and each participant's personal
// rank all call the same functions on every render.
package ranking

import (
	"math"
	"sort"

	"quizbee-service/internal/domain"
)

// AnswerLog holds, per tie-breaker question, the correct answers in any
// order. Only entries from answers that actually earned points belong here.
type AnswerLog map[string][]domain.TieBreakerEntry

// TieBreakerRanks computes each participant's best (minimum) per-question
// rank across all tie-breaker questions, where rank 1 is the earliest
// correct answer. Participants with no correct tie-breaker answer are
// absent from the result.
func TieBreakerRanks(log AnswerLog) map[string]int {
	best := make(map[string]int)
	for _, entries := range log {
		ordered := make([]domain.TieBreakerEntry, len(entries))
		copy(ordered, entries)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Timestamp < ordered[j].Timestamp
		})
		for i, entry := range ordered {
			localRank := i + 1
			if current, ok := best[entry.ParticipantID]; !ok || localRank < current {
				best[entry.ParticipantID] = localRank
			}
		}
	}
	return best
}

// Rank orders participants and assigns display ranks. Comparator priority:
// score descending, then ascending tie-breaker rank, then having a
// tie-breaker rank at all, then ascending lastAnswerAt; pairs none of those
// rules distinguish keep their input order and share a display rank.
func Rank(participants []domain.Participant, log AnswerLog) []domain.RankedParticipant {
	tieRanks := TieBreakerRanks(log)

	ranked := make([]domain.RankedParticipant, 0, len(participants))
	for _, p := range participants {
		ranked = append(ranked, domain.RankedParticipant{
			Participant:    p,
			TieBreakerRank: tieRanks[p.ID],
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return compare(ranked[i], ranked[j]) < 0
	})

	for i := range ranked {
		if i > 0 && compare(ranked[i-1], ranked[i]) == 0 {
			ranked[i].DisplayRank = ranked[i-1].DisplayRank
		} else {
			ranked[i].DisplayRank = i + 1
		}
	}
	return ranked
}

// compare returns a negative value when a ranks ahead of b, zero when the
// tie is genuinely unresolved.
func compare(a, b domain.RankedParticipant) int {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}
	aHas, bHas := a.TieBreakerRank > 0, b.TieBreakerRank > 0
	switch {
	case aHas && bHas:
		if a.TieBreakerRank != b.TieBreakerRank {
			if a.TieBreakerRank < b.TieBreakerRank {
				return -1
			}
			return 1
		}
	case aHas:
		return -1
	case bHas:
		return 1
	}
	if a.LastAnswerAt > 0 && b.LastAnswerAt > 0 && a.LastAnswerAt != b.LastAnswerAt {
		if a.LastAnswerAt < b.LastAnswerAt {
			return -1
		}
		return 1
	}
	return 0
}

// TeamStandings groups participants by team and ranks teams by total score.
// Equal totals share a display rank; team-level ties are not broken further.
// Participants without a team are skipped.
func TeamStandings(participants []domain.Participant) []domain.TeamStanding {
	totals := make(map[string]*domain.TeamStanding)
	order := make([]string, 0)
	for _, p := range participants {
		if p.Team == "" {
			continue
		}
		standing, ok := totals[p.Team]
		if !ok {
			standing = &domain.TeamStanding{Team: p.Team}
			totals[p.Team] = standing
			order = append(order, p.Team)
		}
		standing.TotalScore += p.Score
		standing.MemberCount++
	}

	standings := make([]domain.TeamStanding, 0, len(totals))
	for _, team := range order {
		s := totals[team]
		s.AverageScore = int64(math.Round(float64(s.TotalScore) / float64(s.MemberCount)))
		standings = append(standings, *s)
	}

	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].TotalScore > standings[j].TotalScore
	})
	for i := range standings {
		if i > 0 && standings[i-1].TotalScore == standings[i].TotalScore {
			standings[i].DisplayRank = standings[i-1].DisplayRank
		} else {
			standings[i].DisplayRank = i + 1
		}
	}
	return standings
}
