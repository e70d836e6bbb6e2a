package analysis

import (
	"cmp"
	"slices"

	"github.com/jacokyle01/sparring/models"
)

// CompareLines orders two lines whose scores are relative to the same side.
// It returns a negative number when a ranks before b.
//
// Mates for the side beat everything, mates against it lose to everything.
// Among winning mates the faster one ranks first; among losing mates the
// signed difference is used, so the slower mate ranks first. Otherwise the
// higher centipawn score wins, with a missing score counting as zero.
func CompareLines(a, b models.EvaluationLine) int {
	switch {
	case a.Mate != nil && b.Mate != nil:
		am, bm := *a.Mate, *b.Mate
		switch {
		case am > 0 && bm <= 0:
			return -1
		case am <= 0 && bm > 0:
			return 1
		}
		return am - bm
	case a.Mate != nil:
		if *a.Mate > 0 {
			return -1
		}
		return 1
	case b.Mate != nil:
		if *b.Mate > 0 {
			return 1
		}
		return -1
	default:
		return cpOf(b) - cpOf(a)
	}
}

// SortLines sorts lines best-first using CompareLines. The sort is stable.
func SortLines(lines []models.EvaluationLine) {
	slices.SortStableFunc(lines, CompareLines)
}

// SortByRank sorts lines by their multipv index.
func SortByRank(lines []models.EvaluationLine) {
	slices.SortStableFunc(lines, func(a, b models.EvaluationLine) int {
		return cmp.Compare(a.Rank, b.Rank)
	})
}

// IsSorted reports whether lines are already in best-first order.
func IsSorted(lines []models.EvaluationLine) bool {
	return slices.IsSortedFunc(lines, CompareLines)
}

func cpOf(l models.EvaluationLine) int {
	if l.Score == nil {
		return 0
	}
	return *l.Score
}
