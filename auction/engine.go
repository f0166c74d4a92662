package auction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/tenderauction/core"
	"github.com/cloudx-io/tenderauction/registry"
	"github.com/cloudx-io/tenderauction/store"
)

var (
	ErrAuctionNotStarted = errors.New("auction has not started")
	ErrAuctionClosed     = errors.New("auction is closed")
	ErrNotBiddingStage   = errors.New("current stage does not accept bids")
	ErrNotYourTurn       = errors.New("current stage is assigned to another bidder")
)

// StartupError means the auction could not be set up or started; the owning
// process is expected to exit.
type StartupError struct {
	AuctionID string
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("auction %s cannot start: %v", e.AuctionID, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Registry is the tender registry the engine reads bids from and reports to.
type Registry interface {
	FetchAuction(ctx context.Context, tenderID string) (*registry.TenderAuction, error)
	ReportResults(ctx context.Context, tenderID string, auction *registry.TenderAuction) error
}

// Publisher receives a copy of the document after every saved transition.
type Publisher interface {
	Publish(ctx context.Context, doc *core.Document) error
}

// Options are the timeline parameters of one auction.
type Options struct {
	Rounds     int
	FirstPause time.Duration
	Pause      time.Duration
	BidStage   time.Duration
	// StartDelay replaces a registry start date that already passed.
	StartDelay time.Duration
	// EndDelay separates the announcement stage from the end of the auction.
	EndDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		Rounds:     core.DefaultRounds,
		FirstPause: core.DefaultFirstPause,
		Pause:      core.DefaultPause,
		BidStage:   core.DefaultBidStage,
		StartDelay: 20 * time.Second,
		EndDelay:   5 * time.Second,
	}
}

// Receipt acknowledges an accepted bid submission.
type Receipt struct {
	ID    string `json:"receipt_id"`
	Stage int    `json:"stage"`
	core.Bid
}

// Engine runs one auction: it builds and persists the timeline, fires the
// stage transitions on its scheduler, and collects bid submissions between
// them. Every read-modify-write of the document and every access to the
// pending submissions happens under mu.
type Engine struct {
	id        string
	runID     string
	opts      Options
	clock     Clock
	registry  Registry
	store     store.Store
	publisher Publisher
	scheduler *Scheduler

	mu      sync.Mutex
	pending map[int][]core.Bid
	doc     *core.Document
	closed  bool
	bidders []string
	labels  map[string]int
	results []core.Result

	// Only touched by Schedule and then by jobs on the scheduler goroutine.
	auction *registry.TenderAuction

	done     chan struct{}
	finished sync.Once
	err      error
}

type Option func(*Engine)

func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithOptions(opts Options) Option {
	return func(e *Engine) { e.opts = opts }
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func NewEngine(auctionID string, reg Registry, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		id:       auctionID,
		runID:    uuid.NewString(),
		opts:     DefaultOptions(),
		clock:    NewClock(time.UTC),
		registry: reg,
		store:    st,
		pending:  make(map[int][]core.Bid),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.scheduler = NewScheduler(e.clock)
	return e
}

func (e *Engine) ID() string { return e.id }

// Run starts the scheduler, schedules the auction and blocks until the auction
// has ended. It returns a *StartupError if the auction could not start and any
// persistence error that aborted a transition.
func (e *Engine) Run(ctx context.Context) error {
	e.scheduler.Start(ctx)
	defer e.scheduler.Shutdown()

	if err := e.Schedule(ctx); err != nil {
		return err
	}
	return e.Wait(ctx)
}

// Wait blocks until the end-auction transition has fired or the auction failed.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the auction has ended.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) finish(err error) {
	e.finished.Do(func() {
		e.err = err
		close(e.done)
	})
}

func (e *Engine) isFinished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Schedule fetches the registry data, persists a fresh document (replacing any
// previous one with the same id) and registers every stage transition.
func (e *Engine) Schedule(ctx context.Context) error {
	log.Printf("INFO: Scheduling auction %s (run %s)", e.id, e.runID)

	auction, err := e.registry.FetchAuction(ctx, e.id)
	if err != nil {
		return &StartupError{AuctionID: e.id, Err: err}
	}
	if len(auction.Data.Bids) == 0 {
		return &StartupError{AuctionID: e.id, Err: errors.New("registry returned no bids")}
	}
	e.auction = auction

	start := e.startDate(auction)
	timeline, err := core.BuildTimeline(core.TimelineParams{
		Bidders:    len(auction.Data.Bids),
		Rounds:     e.opts.Rounds,
		Start:      start,
		FirstPause: e.opts.FirstPause,
		Pause:      e.opts.Pause,
		BidStage:   e.opts.BidStage,
	})
	if err != nil {
		return &StartupError{AuctionID: e.id, Err: err}
	}

	e.mu.Lock()
	e.bidders = auction.Data.BidderIDs()
	e.labels = make(map[string]int, len(e.bidders))
	for i, bidderID := range e.bidders {
		e.labels[bidderID] = i + 1
	}
	initial := e.initialBids(auction.Data.Bids, nil, start)
	doc := &core.Document{
		ID:           e.id,
		TenderID:     auction.Data.TenderID,
		Stages:       timeline.Stages,
		InitialBids:  initial,
		CurrentStage: -1,
		MinimalStep:  auction.Data.MinimalStep,
		EndDate:      timeline.EndDate,
	}
	err = e.replaceDocument(ctx, doc)
	e.mu.Unlock()
	if err != nil {
		return &StartupError{AuctionID: e.id, Err: err}
	}
	e.publish(ctx, doc)

	e.scheduler.Add(start, "start auction", e.startAuction)
	for i := 1; i < len(timeline.Stages); i++ {
		at := timeline.Stages[i].StartTime
		switch {
		case timeline.Stages[i-1].Type == core.StageBids:
			e.scheduler.Add(at, fmt.Sprintf("end bids stage %d", i-1), e.step("end bids stage", e.endBidsStage))
		case i == 1:
			e.scheduler.Add(at, "end first pause", e.step("end first pause", e.nextStage))
		default:
			e.scheduler.Add(at, fmt.Sprintf("end pause %d", i-1), e.step("end pause", e.nextStage))
		}
	}
	e.scheduler.Add(timeline.EndDate.Add(e.opts.EndDelay), "end auction", e.endAuction)

	log.Printf("INFO: Auction %s scheduled: %d bidders, %d stages, start=%s end=%s",
		e.id, len(e.bidders), len(timeline.Stages), start.Format(time.RFC3339), timeline.EndDate.Format(time.RFC3339))
	return nil
}

// startDate moves a start date that already passed to StartDelay from now and
// writes it back into the registry payload.
func (e *Engine) startDate(auction *registry.TenderAuction) time.Time {
	now := e.clock.Now()
	start := auction.Data.AuctionPeriod.StartDate.In(now.Location())
	if now.After(start) {
		start = now.Add(e.opts.StartDelay)
		log.Printf("INFO: Start date of auction %s already passed, starting at %s", e.id, start.Format(time.RFC3339))
		auction.Data.AuctionPeriod.StartDate = start
	}
	return start
}

// initialBids converts registry bids of known bidders, in registry order.
// Known bidders missing from bids keep their previous initial bid. Caller
// holds mu.
func (e *Engine) initialBids(bids []registry.Bid, previous []core.Bid, start time.Time) []core.Bid {
	byBidder := make(map[string]registry.Bid, len(bids))
	for _, bid := range bids {
		if _, known := e.labels[bid.ID]; !known {
			log.Printf("WARNING: Ignoring bid of unknown bidder %s in auction %s", bid.ID, e.id)
			continue
		}
		byBidder[bid.ID] = bid
	}

	initial := make([]core.Bid, 0, len(e.bidders))
	for _, bidderID := range e.bidders {
		bid, ok := byBidder[bidderID]
		if !ok {
			if prev, err := core.LatestForBidder(previous, bidderID); err == nil {
				log.Printf("WARNING: Bidder %s missing from registry data, keeping initial bid %.2f", bidderID, prev.Amount)
				initial = append(initial, prev)
			}
			continue
		}
		timestamp := bid.Date
		if timestamp.IsZero() {
			timestamp = start
		}
		initial = append(initial, core.Bid{
			BidderID:    bidderID,
			BidderLabel: e.labels[bidderID],
			Amount:      bid.Value.Amount,
			Timestamp:   timestamp,
		})
	}
	return initial
}

// replaceDocument deletes a stale document and saves doc. Caller holds mu.
func (e *Engine) replaceDocument(ctx context.Context, doc *core.Document) error {
	if err := e.store.Delete(ctx, doc.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete stale document: %w", err)
	}
	if err := e.store.Save(ctx, doc); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	e.doc = doc.Clone()
	return nil
}

// step wraps a transition so a failure ends the run.
func (e *Engine) step(name string, transition func(ctx context.Context) error) Job {
	return func(ctx context.Context) {
		if e.isFinished() {
			return
		}
		if err := transition(ctx); err != nil {
			log.Printf("ERROR: Auction %s: %s failed: %v", e.id, name, err)
			e.finish(fmt.Errorf("%s: %w", name, err))
		}
	}
}

// mutate runs one fetch-mutate-save cycle under the lock and publishes the
// result after releasing it.
func (e *Engine) mutate(ctx context.Context, fn func(doc *core.Document) error) error {
	e.mu.Lock()
	doc, err := e.store.Get(ctx, e.id)
	if err == nil {
		err = fn(doc)
	}
	if err == nil {
		err = e.store.Save(ctx, doc)
	}
	if err == nil {
		e.doc = doc.Clone()
	}
	e.mu.Unlock()

	if err != nil {
		return err
	}
	e.publish(ctx, doc)
	return nil
}

func (e *Engine) publish(ctx context.Context, doc *core.Document) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, doc); err != nil {
		log.Printf("WARNING: Failed to publish auction %s stage %d: %v", e.id, doc.CurrentStage, err)
	}
}

func (e *Engine) startAuction(ctx context.Context) {
	if e.isFinished() {
		return
	}
	log.Printf("INFO: ---------------- Start auction %s ----------------", e.id)

	auction, err := e.registry.FetchAuction(ctx, e.id)
	if err != nil {
		log.Printf("ERROR: Bad response from registry for auction %s: %v", e.id, err)
		e.finish(&StartupError{AuctionID: e.id, Err: err})
		return
	}
	auction.Data.AuctionPeriod.StartDate = e.auction.Data.AuctionPeriod.StartDate
	e.auction = auction

	err = e.mutate(ctx, func(doc *core.Document) error {
		start := doc.Stages[0].StartTime
		doc.InitialBids = core.SortInitialBids(e.initialBids(auction.Data.Bids, doc.InitialBids, start))
		doc.CurrentStage = 0

		ranked, err := core.Reassign(doc, e.bidders)
		if err != nil {
			return err
		}
		log.Printf("INFO: Auction %s bidding order: %s", e.id, formatOrder(ranked))
		return nil
	})
	if err != nil {
		log.Printf("ERROR: Auction %s: start failed: %v", e.id, err)
		e.finish(&StartupError{AuctionID: e.id, Err: err})
	}
}

// nextStage ends a pause.
func (e *Engine) nextStage(ctx context.Context) error {
	return e.mutate(ctx, func(doc *core.Document) error {
		doc.CurrentStage++
		log.Printf("INFO: ---------------- Auction %s start stage %d ----------------", e.id, doc.CurrentStage)
		return nil
	})
}

func (e *Engine) endBidsStage(ctx context.Context) error {
	return e.mutate(ctx, func(doc *core.Document) error {
		approved, err := e.approveBid(doc)
		if err != nil {
			return err
		}
		if approved {
			ranked, err := core.Reassign(doc, e.bidders)
			if err != nil {
				return err
			}
			log.Printf("INFO: Auction %s bidding order after stage %d: %s", e.id, doc.CurrentStage, formatOrder(ranked))
		}
		doc.CurrentStage++
		log.Printf("INFO: ---------------- Auction %s start stage %d ----------------", e.id, doc.CurrentStage)
		return nil
	})
}

// approveBid records the latest submission of the current stage's bidder.
// Caller holds mu.
func (e *Engine) approveBid(doc *core.Document) (bool, error) {
	stageIdx := doc.CurrentStage
	bids := e.pending[stageIdx]
	delete(e.pending, stageIdx)

	stage := doc.Current()
	if len(bids) == 0 || stage == nil || stage.Type != core.StageBids {
		return false, nil
	}

	bid, err := core.LatestForBidder(bids, stage.BidderID)
	if errors.Is(err, core.ErrBidNotFound) {
		log.Printf("INFO: Auction %s stage %d: no bid from assigned bidder %s", e.id, stageIdx, stage.BidderID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	bid.BidderLabel = e.labels[bid.BidderID]
	if err := doc.RecordBid(bid); err != nil {
		return false, err
	}
	log.Printf("INFO: Auction %s stage %d: approved bid %.2f from bidder %d", e.id, stageIdx, bid.Amount, bid.BidderLabel)
	return true, nil
}

func (e *Engine) endAuction(ctx context.Context) {
	if e.isFinished() {
		return
	}
	log.Printf("INFO: ---------------- End auction %s ----------------", e.id)

	e.mu.Lock()
	e.closed = true
	doc, err := e.store.Get(ctx, e.id)
	e.mu.Unlock()
	if err != nil {
		e.finish(fmt.Errorf("end auction: %w", err))
		return
	}

	results, err := core.FinalResults(doc, e.bidders)
	if err != nil {
		e.finish(fmt.Errorf("end auction: %w", err))
		return
	}

	e.mu.Lock()
	e.results = results
	e.mu.Unlock()

	for _, result := range results {
		log.Printf("INFO: Auction %s result: bidder %s amount=%.2f time=%s",
			e.id, result.BidderID, result.Amount, result.Timestamp.Format(time.RFC3339))
	}

	e.auction.Data.ApplyResults(results, doc.EndDate)
	if err := e.registry.ReportResults(ctx, e.id, e.auction); err != nil {
		log.Printf("ERROR: Error while submitting auction %s data: %v", e.id, err)
	} else {
		log.Printf("INFO: Auction %s data submitted", e.id)
	}

	e.finish(nil)
}

// AddBid appends a submission to the pending buffer of stage. The stage's
// transition only consults bids added before it takes the lock.
func (e *Engine) AddBid(stage int, bid core.Bid) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[stage] = append(e.pending[stage], bid)
}

// SubmitBid accepts a bid from the bidder assigned to the current bid stage.
// The bid is time-stamped with the engine clock.
func (e *Engine) SubmitBid(bidderID string, amount float64) (Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Receipt{}, ErrAuctionClosed
	}
	if e.doc == nil || e.doc.CurrentStage < 0 {
		return Receipt{}, ErrAuctionNotStarted
	}
	stage := e.doc.Current()
	if stage == nil || stage.Type != core.StageBids {
		return Receipt{}, ErrNotBiddingStage
	}
	if stage.BidderID != bidderID {
		return Receipt{}, ErrNotYourTurn
	}
	if err := core.ValidateImprovement(amount, stage.Amount, e.doc.MinimalStep.Amount); err != nil {
		return Receipt{}, err
	}

	bid := core.Bid{
		BidderID:    bidderID,
		BidderLabel: e.labels[bidderID],
		Amount:      amount,
		Timestamp:   e.clock.Now(),
	}
	e.pending[e.doc.CurrentStage] = append(e.pending[e.doc.CurrentStage], bid)

	return Receipt{ID: uuid.NewString(), Stage: e.doc.CurrentStage, Bid: bid}, nil
}

// Document returns a copy of the last saved document, or nil before scheduling.
func (e *Engine) Document() *core.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Clone()
}

// Results returns the settled results once the auction has ended.
func (e *Engine) Results() []core.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Result(nil), e.results...)
}

func formatOrder(bids []core.Bid) string {
	order := ""
	for i, bid := range bids {
		if i > 0 {
			order += ", "
		}
		order += fmt.Sprintf("%d:%.2f", bid.BidderLabel, bid.Amount)
	}
	return order
}
