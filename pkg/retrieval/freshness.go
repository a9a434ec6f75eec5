package retrieval

import "time"

// applyFreshness drops results whose last touch is older than the window.
// The last touch is the later of creation and update time, so a recently
// revised item stays fresh regardless of age. Pinned working items are
// exempt: a pin is an explicit promise to keep. A negative window disables
// the check. A zero window admits only items touched at or after the query
// instant.
func applyFreshness(results []Result, window time.Duration, now time.Time) []Result {
	if window < 0 {
		return results
	}

	cutoff := now.Add(-window)
	kept := results[:0]
	for _, r := range results {
		if r.Pinned {
			kept = append(kept, r)
			continue
		}
		touched := r.CreatedAt
		if r.UpdatedAt.After(touched) {
			touched = r.UpdatedAt
		}
		if touched.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
