package core

import (
	"errors"
	"fmt"
	"sort"
)

// ErrBidNotFound is returned when no bid belongs to the requested bidder.
var ErrBidNotFound = errors.New("bid not found")

// LatestForBidder returns the bid of bidderID with the greatest timestamp. On
// equal timestamps the later element wins.
func LatestForBidder(bids []Bid, bidderID string) (Bid, error) {
	var (
		latest Bid
		found  bool
	)
	for _, bid := range bids {
		if bid.BidderID != bidderID {
			continue
		}
		if !found || !bid.Timestamp.Before(latest.Timestamp) {
			latest = bid
			found = true
		}
	}
	if !found {
		return Bid{}, fmt.Errorf("%w: bidder %s", ErrBidNotFound, bidderID)
	}
	return latest, nil
}

// RankBids orders bids ascending by amount, lowest price first, with ties
// broken by earliest timestamp. The input is not modified.
func RankBids(bids []Bid) []Bid {
	ranked := make([]Bid, len(bids))
	copy(ranked, bids)

	sort.SliceStable(ranked, func(i, j int) bool {
		if c := CompareAmounts(ranked[i].Amount, ranked[j].Amount); c != 0 {
			return c < 0
		}
		return ranked[i].Timestamp.Before(ranked[j].Timestamp)
	})

	return ranked
}

// SortInitialBids orders the registry's starting bids ascending by amount
// only; equal amounts keep registry order.
func SortInitialBids(bids []Bid) []Bid {
	sorted := make([]Bid, len(bids))
	copy(sorted, bids)

	sort.SliceStable(sorted, func(i, j int) bool {
		return CompareAmounts(sorted[i].Amount, sorted[j].Amount) < 0
	})

	return sorted
}

// AssignedBids projects the assigned bid stages among stages into bids.
func AssignedBids(stages []Stage) []Bid {
	bids := make([]Bid, 0, len(stages))
	for _, stage := range stages {
		if stage.Assigned() {
			bids = append(bids, stage.Bid())
		}
	}
	return bids
}
