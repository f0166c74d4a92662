package core

import "time"

// Bid represents a single offer from a bidder. It is also the public projection
// of a bid: nothing beyond these four fields is ever exposed.
type Bid struct {
	BidderID    string    `json:"bidder_id"`
	BidderLabel int       `json:"bidder_label"`
	Amount      float64   `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

// Value is a monetary amount as the registry describes it.
type Value struct {
	Amount                float64 `json:"amount"`
	Currency              string  `json:"currency,omitempty"`
	ValueAddedTaxIncluded bool    `json:"valueAddedTaxIncluded"`
}

// StageType discriminates the Stage variants.
type StageType string

const (
	StagePause        StageType = "pause"
	StageBids         StageType = "bids"
	StageAnnouncement StageType = "announcement"
)

// Stage is one fixed time window of the auction timeline. Only bid stages carry
// a bidder assignment and an outcome; use the New*Stage constructors.
type Stage struct {
	Type        StageType `json:"type"`
	StartTime   time.Time `json:"start_time"`
	BidderID    string    `json:"bidder_id,omitempty"`
	BidderLabel int       `json:"bidder_label,omitempty"`
	Amount      float64   `json:"amount,omitzero"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
	Changed     bool      `json:"changed,omitempty"`
}

func NewPauseStage(start time.Time) Stage {
	return Stage{Type: StagePause, StartTime: start}
}

func NewBidStage(start time.Time) Stage {
	return Stage{Type: StageBids, StartTime: start}
}

func NewAnnouncementStage(start time.Time) Stage {
	return Stage{Type: StageAnnouncement, StartTime: start}
}

// Assigned reports whether a bid stage has a bidder.
func (s Stage) Assigned() bool {
	return s.Type == StageBids && s.BidderID != ""
}

// Bid returns the public projection of an assigned bid stage.
func (s Stage) Bid() Bid {
	return Bid{
		BidderID:    s.BidderID,
		BidderLabel: s.BidderLabel,
		Amount:      s.Amount,
		Timestamp:   s.Timestamp,
	}
}

// assign overwrites the bidder slot with bid. The outcome flag is cleared: a
// stage is only ever reassigned before it becomes current.
func (s *Stage) assign(bid Bid) {
	s.BidderID = bid.BidderID
	s.BidderLabel = bid.BidderLabel
	s.Amount = bid.Amount
	s.Timestamp = bid.Timestamp
	s.Changed = false
}

// Document is the persisted auction state. Stages are built once and never
// reordered; only bidder assignments and bid stage outcomes change.
type Document struct {
	ID           string    `json:"id"`
	TenderID     string    `json:"tender_id"`
	Stages       []Stage   `json:"stages"`
	InitialBids  []Bid     `json:"initial_bids"`
	CurrentStage int       `json:"current_stage"`
	MinimalStep  Value     `json:"minimal_step"`
	EndDate      time.Time `json:"end_date"`
}

// Clone returns a copy that shares no slices with d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Stages = append([]Stage(nil), d.Stages...)
	c.InitialBids = append([]Bid(nil), d.InitialBids...)
	return &c
}

// BiddersCount is the number of bidders the timeline was built for.
func (d *Document) BiddersCount() int {
	return len(d.InitialBids)
}

// Rounds is derived from the fixed stage count (B+1)*rounds+1.
func (d *Document) Rounds() int {
	b := d.BiddersCount()
	if len(d.Stages) == 0 {
		return 0
	}
	return (len(d.Stages) - 1) / (b + 1)
}

// Current returns the current stage, or nil before the auction starts.
func (d *Document) Current() *Stage {
	if d.CurrentStage < 0 || d.CurrentStage >= len(d.Stages) {
		return nil
	}
	return &d.Stages[d.CurrentStage]
}

// Result is the settled outcome for one bidder.
type Result struct {
	BidderID  string
	Amount    float64
	Timestamp time.Time
}
