// Package allocator turns a set of requests racing for the same
// (date, time) slot into a booking plan: which requests get a court attempt
// and which court each one tries first.
package allocator

import (
	"sort"

	"github.com/slotrace/courtracer/reservation"
)

// Allocate sorts requests by (tier ascending, created_at ascending), assigns
// the first min(len(requests), len(courts)) a court, and waitlists the
// rest. It is a pure function: the same inputs always produce the same
// plan, and it never mutates the requests it is given.
func Allocate(requests []*reservation.Request, courts []reservation.Court) reservation.Plan {
	ordered := sortedByPriority(requests)

	free := make(map[int]bool, len(courts))
	for _, c := range courts {
		free[c.Number] = true
	}

	var plan reservation.Plan
	for _, r := range ordered {
		court, ok := assignCourt(r, free)
		if !ok {
			plan.Waitlist = append(plan.Waitlist, r)
			continue
		}
		delete(free, court)
		plan.Confirmed = append(plan.Confirmed, reservation.PlannedAttempt{
			Request:        r,
			PrimaryCourt:   court,
			FallbackCourts: remainingPreferences(r, court),
		})
	}
	return plan
}

// sortedByPriority returns a new slice ordered by (tier ascending,
// created_at ascending); it does not mutate requests.
func sortedByPriority(requests []*reservation.Request) []*reservation.Request {
	ordered := append([]*reservation.Request(nil), requests...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Tier != ordered[j].Tier {
			return ordered[i].Tier < ordered[j].Tier
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	return ordered
}

// assignCourt walks r's preference list for the first still-free court; if
// every preference is taken but courts remain, it falls back to the
// lowest-numbered free court. Returns ok=false if no court is free.
func assignCourt(r *reservation.Request, free map[int]bool) (int, bool) {
	for _, pref := range r.CourtPreferences {
		if free[pref] {
			return pref, true
		}
	}
	if len(free) == 0 {
		return 0, false
	}
	lowest := 0
	found := false
	for n := range free {
		if !found || n < lowest {
			lowest = n
			found = true
		}
	}
	return lowest, found
}

// remainingPreferences returns r's preferred courts other than the one
// already assigned as primary, preserving order, for use as executor
// fallback targets.
func remainingPreferences(r *reservation.Request, primary int) []int {
	var out []int
	for _, c := range r.CourtPreferences {
		if c != primary {
			out = append(out, c)
		}
	}
	return out
}

// Rerun re-applies priority ordering to an already-allocated plan when a
// vip or admin request arrives before dispatch (spec §4.6's late-VIP
// handling). The lowest-ranked confirmed entry of lower tier than the
// late-arriving request is bumped back to the waitlist to make room, if and
// only if the late request genuinely outranks it. Rerun must only be
// invoked by the scheduler prior to dispatch; once an attempt is executing,
// the plan is immutable (spec §9).
func Rerun(plan reservation.Plan, late *reservation.Request, courts []reservation.Court) reservation.Plan {
	if late.Tier >= reservation.TierRegular {
		return plan
	}

	lowestIdx := -1
	for i, pa := range plan.Confirmed {
		if pa.Request.Tier <= late.Tier {
			continue
		}
		if lowestIdx == -1 || outranksForBumping(pa.Request, plan.Confirmed[lowestIdx].Request) {
			lowestIdx = i
		}
	}
	if lowestIdx == -1 {
		// No confirmed entry of lower priority to bump; just re-run from
		// scratch with late included, which naturally waitlists late if
		// every court is genuinely taken by equal-or-higher priority work.
		all := append(append([]*reservation.Request(nil), plan.Waitlist...), late)
		for _, pa := range plan.Confirmed {
			all = append(all, pa.Request)
		}
		return Allocate(all, courts)
	}

	bumped := plan.Confirmed[lowestIdx].Request
	all := append([]*reservation.Request(nil), late)
	for i, pa := range plan.Confirmed {
		if i == lowestIdx {
			continue
		}
		all = append(all, pa.Request)
	}
	all = append(all, plan.Waitlist...)
	all = append(all, bumped)
	return Allocate(all, courts)
}

// outranksForBumping reports whether candidate is a worse choice to keep
// confirmed than current (lower tier is better, so a strictly worse tier or
// later creation time is a better bump target).
func outranksForBumping(candidate, current *reservation.Request) bool {
	if candidate.Tier != current.Tier {
		return candidate.Tier > current.Tier
	}
	return candidate.CreatedAt.After(current.CreatedAt)
}
