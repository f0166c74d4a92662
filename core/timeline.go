package core

import (
	"fmt"
	"time"
)

const (
	DefaultRounds     = 3
	DefaultFirstPause = 300 * time.Second
	DefaultPause      = 120 * time.Second
	DefaultBidStage   = 120 * time.Second
)

// TimelineParams fully determine a timeline.
type TimelineParams struct {
	Bidders    int
	Rounds     int
	Start      time.Time
	FirstPause time.Duration
	Pause      time.Duration
	BidStage   time.Duration
}

// Timeline is the ordered stage sequence plus the end date, which equals the
// announcement stage start.
type Timeline struct {
	Stages  []Stage
	EndDate time.Time
}

// StageCount returns (bidders+1)*rounds+1.
func StageCount(bidders, rounds int) int {
	return (bidders+1)*rounds + 1
}

// BuildTimeline lays out one pause followed by one bid stage per bidder for
// every round, then the announcement stage.
func BuildTimeline(p TimelineParams) (Timeline, error) {
	if p.Bidders < 1 {
		return Timeline{}, fmt.Errorf("timeline needs at least one bidder, got %d", p.Bidders)
	}
	if p.Rounds < 1 {
		return Timeline{}, fmt.Errorf("timeline needs at least one round, got %d", p.Rounds)
	}

	stages := make([]Stage, 0, StageCount(p.Bidders, p.Rounds))
	next := p.Start
	for round := 0; round < p.Rounds; round++ {
		stages = append(stages, NewPauseStage(next))
		if round == 0 {
			next = next.Add(p.FirstPause)
		} else {
			next = next.Add(p.Pause)
		}
		for i := 0; i < p.Bidders; i++ {
			stages = append(stages, NewBidStage(next))
			next = next.Add(p.BidStage)
		}
	}
	stages = append(stages, NewAnnouncementStage(next))

	return Timeline{Stages: stages, EndDate: next}, nil
}

// RoundStages returns the half-open stage index range [r*(B+1)-B, r*(B+1)) of
// the bid stages of 1-indexed round r.
func RoundStages(bidders, round int) (start, end int) {
	return round*(bidders+1) - bidders, round * (bidders + 1)
}

// RoundNumber returns how many rounds have opened their bidding by stage:
// 0 during the first pause, r from the first bid stage of round r up to (and
// including) the pause that precedes round r+1.
func RoundNumber(bidders, rounds, stage int) int {
	for r := 1; r <= rounds; r++ {
		if start, _ := RoundStages(bidders, r); stage < start {
			return r - 1
		}
	}
	return rounds
}

// RoundStages returns the bid stage range of round r for this document.
func (d *Document) RoundStages(round int) (start, end int) {
	return RoundStages(d.BiddersCount(), round)
}

// RoundNumber returns the round containing stage for this document.
func (d *Document) RoundNumber(stage int) int {
	return RoundNumber(d.BiddersCount(), d.Rounds(), stage)
}
