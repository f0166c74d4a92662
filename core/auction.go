package core

import (
	"errors"
	"fmt"
)

// RecordBid writes bid as the outcome of the current stage. The stage must be
// a bid stage assigned to the same bidder and not yet changed.
func (d *Document) RecordBid(bid Bid) error {
	stage := d.Current()
	if stage == nil || stage.Type != StageBids {
		return fmt.Errorf("stage %d is not a bid stage", d.CurrentStage)
	}
	if stage.BidderID != bid.BidderID {
		return fmt.Errorf("stage %d is assigned to %s, not %s", d.CurrentStage, stage.BidderID, bid.BidderID)
	}
	if stage.Changed {
		return fmt.Errorf("stage %d already has an outcome", d.CurrentStage)
	}
	stage.assign(bid)
	stage.Changed = true
	return nil
}

// BestOffers returns one offer per bidder, in bidders order: the latest of the
// bidder's bids, or failing that the latest of its fallback bids.
func BestOffers(bidders []string, bids, fallback []Bid) ([]Bid, error) {
	offers := make([]Bid, 0, len(bidders))
	for _, bidderID := range bidders {
		offer, err := LatestForBidder(bids, bidderID)
		if errors.Is(err, ErrBidNotFound) {
			offer, err = LatestForBidder(fallback, bidderID)
		}
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

// AssignFutureRounds overwrites the bid stages of every round strictly after
// round with ranked, in order: the lowest offer takes the first slot.
func (d *Document) AssignFutureRounds(round int, ranked []Bid) error {
	if len(ranked) != d.BiddersCount() {
		return fmt.Errorf("got %d ranked offers for %d bidders", len(ranked), d.BiddersCount())
	}
	for r := round + 1; r <= d.Rounds(); r++ {
		start, end := d.RoundStages(r)
		for i, idx := 0, start; idx < end; i, idx = i+1, idx+1 {
			d.Stages[idx].assign(ranked[i])
		}
	}
	return nil
}

// Reassign ranks every bidder's current best offer and assigns that order to
// the rounds after the one containing the current stage. Before any bidding
// the offers come from the initial bids.
func Reassign(d *Document, bidders []string) ([]Bid, error) {
	round := d.RoundNumber(d.CurrentStage)

	var bids, fallback []Bid
	if round == 0 {
		bids = d.InitialBids
	} else {
		start, end := d.RoundStages(round)
		bids = AssignedBids(d.Stages[start:end])
		fallback = append(AssignedBids(d.Stages[:start]), d.InitialBids...)
	}

	offers, err := BestOffers(bidders, bids, fallback)
	if err != nil {
		return nil, fmt.Errorf("collect best offers: %w", err)
	}
	ranked := RankBids(offers)
	if err := d.AssignFutureRounds(round, ranked); err != nil {
		return nil, err
	}
	return ranked, nil
}

// FinalResults settles one result per bidder from the last round's stages.
// A bidder missing from the last round falls back to its latest earlier bid
// stage, then to its initial bid.
func FinalResults(d *Document, bidders []string) ([]Result, error) {
	start, end := d.RoundStages(d.Rounds())
	bids := AssignedBids(d.Stages[start:end])
	fallback := append(AssignedBids(d.Stages[:start]), d.InitialBids...)

	offers, err := BestOffers(bidders, bids, fallback)
	if err != nil {
		return nil, fmt.Errorf("settle results: %w", err)
	}

	results := make([]Result, len(offers))
	for i, offer := range offers {
		results[i] = Result{
			BidderID:  offer.BidderID,
			Amount:    offer.Amount,
			Timestamp: offer.Timestamp,
		}
	}
	return results, nil
}
