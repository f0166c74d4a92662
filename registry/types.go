package registry

import (
	"time"

	"github.com/cloudx-io/tenderauction/core"
)

// StatusQualification marks a tender whose auction has settled.
const StatusQualification = "qualification"

// TenderAuction is the body of GET and PATCH <tender>/auction.
type TenderAuction struct {
	Data AuctionData `json:"data"`
}

// AuctionData is the auction view of a tender.
type AuctionData struct {
	TenderID      string     `json:"tenderID"`
	Status        string     `json:"status,omitempty"`
	MinimalStep   core.Value `json:"minimalStep"`
	AuctionPeriod Period     `json:"auctionPeriod"`
	Bids          []Bid      `json:"bids"`
	DateModified  string     `json:"dateModified,omitempty"`
}

// Period is the auction period. EndDate stays empty until the auction settles.
type Period struct {
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate,omitzero"`
}

// Bid is a tenderer's bid as the registry stores it.
type Bid struct {
	ID    string     `json:"id"`
	Value core.Value `json:"value"`
	Date  time.Time  `json:"date,omitzero"`
}

// BidderIDs returns the bid IDs in registry order.
func (d *AuctionData) BidderIDs() []string {
	ids := make([]string, len(d.Bids))
	for i, bid := range d.Bids {
		ids[i] = bid.ID
	}
	return ids
}

// ApplyResults writes settled amounts and dates onto the matching bids and
// marks the auction as finished at endDate.
func (d *AuctionData) ApplyResults(results []core.Result, endDate time.Time) {
	byBidder := make(map[string]core.Result, len(results))
	for _, result := range results {
		byBidder[result.BidderID] = result
	}

	for i := range d.Bids {
		result, ok := byBidder[d.Bids[i].ID]
		if !ok {
			continue
		}
		d.Bids[i].Value.Amount = result.Amount
		if !result.Timestamp.IsZero() {
			d.Bids[i].Date = result.Timestamp
		}
	}

	d.AuctionPeriod.EndDate = endDate
	d.Status = StatusQualification
}
