package dq

// accountHits implements §4.7 on_hits, applied to a query already known
// to exist. Returns true if the caller should forward the hit to the
// leaf/local search, false if it should be dropped.
//
// The firewall asymmetry noted in SPEC_FULL.md is intentional: the
// non-forward rule only applies here, never to OOB indications.
func (q *Query) accountHits(count uint32, status StatusFlags) bool {
	if !status.OOB && status.BothFirewalled && !status.SupportsFWToFW {
		return false
	}
	if q.hasFlag(flagLingering) {
		q.lingerResults += count
	} else {
		q.results += count
		q.newResults += count
	}
	return !q.hasFlag(flagUserCancelled)
}

// accountOOBIndication implements §4.7 on_oob_indication.
func (q *Query) accountOOBIndication(count uint32) bool {
	if q.hasFlag(flagUserCancelled) {
		return false
	}
	q.oobResults += count
	return true
}

// accountOOBClaimed implements §4.7 on_oob_claimed, saturating at zero.
func (q *Query) accountOOBClaimed(count uint32) {
	if count >= q.oobResults {
		q.oobResults = 0
		return
	}
	q.oobResults -= count
}

// resultsWanted implements §4.7 results_wanted.
func (q *Query) resultsWanted() uint32 {
	if q.hasFlag(flagUserCancelled) {
		return 0
	}
	if q.keptResults < q.maxResults {
		return q.maxResults - q.keptResults
	}
	if q.hasFlag(flagGotGuidance) && q.keptResults < q.finResults {
		return 1
	}
	return 0
}

// completionClass classifies a terminated query for the completed_full /
// completed_partial / completed_zero statistics (SPEC_FULL.md
// supplemented feature #5).
func (q *Query) completionClass() (full, partial, zero bool) {
	effective := q.results
	if q.hasFlag(flagGotGuidance) {
		effective = q.keptResults
	}
	switch {
	case effective >= q.maxResults:
		return true, false, false
	case q.results == 0 && q.oobResults == 0:
		return false, false, true
	default:
		return false, true, false
	}
}
