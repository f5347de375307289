// Package scoring turns judged answers into speed-weighted point totals.
package scoring

import (
	"math"
	"sort"

	"quizlive/internal/domain"
)

// MaxPoints is what the fastest correct answer to a question earns before bonus.
const MaxPoints = 100

// Score computes every participant's total. It always returns an entry for each
// known participant; answers from unknown participants are ignored.
//
// Per question: incorrect and unjudged answers earn only their bonus. The fastest
// correct answer earns MaxPoints, slower correct answers lose one percent of
// MaxPoints per percent they are slower, with a floor of 1 point. A fastest
// latency of zero means unmeasured, and every correct answer earns MaxPoints.
func Score(s *domain.Session) map[string]int {
	totals := make(map[string]int, len(s.Participants))
	for id := range s.Participants {
		totals[id] = 0
	}

	for _, byParticipant := range s.Answers {
		fastest := math.Inf(1)
		for _, a := range byParticipant {
			if a.Correctness == domain.Correct && a.Latency < fastest {
				fastest = a.Latency
			}
		}

		for pid, a := range byParticipant {
			if _, known := totals[pid]; !known {
				continue
			}
			if a.Correctness != domain.Correct {
				totals[pid] += a.BonusPoints
				continue
			}
			totals[pid] += speedPoints(a.Latency, fastest) + a.BonusPoints
		}
	}
	return totals
}

func speedPoints(latency, fastest float64) int {
	if fastest <= 0 {
		return MaxPoints
	}
	slower := (latency - fastest) / fastest
	points := int(math.Round((1 - slower) * MaxPoints))
	if points < 1 {
		return 1
	}
	return points
}

// Rank orders participants by score, highest first. Ties keep join order, which
// is simple and predictable but not a fairness guarantee.
func Rank(s *domain.Session, scores map[string]int) []domain.Ranking {
	participants := s.OrderedParticipants()
	rankings := make([]domain.Ranking, 0, len(participants))
	for _, p := range participants {
		rankings = append(rankings, domain.Ranking{
			ID:     p.ID,
			Name:   p.Name,
			Avatar: p.Avatar,
			Score:  scores[p.ID],
		})
	}
	sort.SliceStable(rankings, func(i, j int) bool {
		return rankings[i].Score > rankings[j].Score
	})
	for i := range rankings {
		rankings[i].Rank = i + 1
	}
	return rankings
}
