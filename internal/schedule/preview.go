package schedule

import "time"

// Preview returns the next n occurrences of an expression schedule after
// the given instant. It runs the exact evaluator used by ingestion and
// the sweeper, so what the UI shows is what production will do.
func Preview(s Schedule, from time.Time, n int) ([]time.Time, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	out := make([]time.Time, 0, n)
	cur := from
	for i := 0; i < n; i++ {
		next, err := s.NextAfter(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}
