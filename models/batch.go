package models

import "math"

type Batch struct {
	ID        string            `json:"id"`
	JobIDs    []string          `json:"job_ids"`
	Results   map[string]Result `json:"results"`
	Completed int               `json:"completed"`
	Total     int               `json:"total"`
}

// Done reports whether every job in the batch has a result.
func (b *Batch) Done() bool {
	return b.Completed >= b.Total
}

// Progress returns the saturating progress percentage for the batch.
func (b *Batch) Progress() float64 {
	if b.Done() {
		return 100
	}
	return SaturatingProgress(b.Completed, b.Total)
}

// SaturatingProgress maps completed/total onto 99 - e^(-4f)*99. It climbs
// quickly at first and only crawls near the end.
func SaturatingProgress(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(completed) / float64(total)
	return 99 - math.Exp(-4*f)*99
}
