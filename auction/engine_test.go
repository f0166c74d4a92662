package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/spf13/afero"
	"go.uber.org/goleak"

	"github.com/cloudx-io/tenderauction/core"
	"github.com/cloudx-io/tenderauction/registry"
	"github.com/cloudx-io/tenderauction/store"
)

const testAuctionID = "UA-2026-03-02-000001"

type fakeRegistry struct {
	mu        sync.Mutex
	build     func(fetch int) *registry.TenderAuction
	fetchErr  error
	reportErr error
	fetches   int
	reported  []*registry.TenderAuction
}

func (r *fakeRegistry) FetchAuction(ctx context.Context, tenderID string) (*registry.TenderAuction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return r.build(r.fetches), nil
}

func (r *fakeRegistry) ReportResults(ctx context.Context, tenderID string, auction *registry.TenderAuction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, auction)
	return r.reportErr
}

func (r *fakeRegistry) lastReport() *registry.TenderAuction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reported) == 0 {
		return nil
	}
	return r.reported[len(r.reported)-1]
}

type fakePublisher struct {
	docs chan *core.Document
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{docs: make(chan *core.Document, 32)}
}

func (p *fakePublisher) Publish(ctx context.Context, doc *core.Document) error {
	p.docs <- doc.Clone()
	return nil
}

func (p *fakePublisher) next(t *testing.T) *core.Document {
	t.Helper()
	select {
	case doc := <-p.docs:
		return doc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published document")
		return nil
	}
}

// tenderAuction has bidder "A" at 100 and "B" at 90, starting in an hour.
func tenderAuction(fetch int) *registry.TenderAuction {
	return &registry.TenderAuction{Data: registry.AuctionData{
		TenderID:      "tender-1",
		MinimalStep:   core.Value{Amount: 1, Currency: "UAH"},
		AuctionPeriod: registry.Period{StartDate: testNow.Add(time.Hour)},
		Bids: []registry.Bid{
			{ID: "A", Value: core.Value{Amount: 100, Currency: "UAH"}},
			{ID: "B", Value: core.Value{Amount: 90, Currency: "UAH"}},
		},
	}}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Rounds = 1
	return opts
}

func newTestEngine(t *testing.T, reg *fakeRegistry, opts ...Option) (*Engine, *fakeClock, store.Store) {
	t.Helper()
	st, err := store.NewFileStore(afero.NewMemMapFs(), "auctions")
	assert.NoError(t, err)

	clock := newFakeClock(testNow)
	opts = append([]Option{WithClock(clock), WithOptions(testOptions())}, opts...)
	return NewEngine(testAuctionID, reg, st, opts...), clock, st
}

func TestScheduleBuildsDocument(t *testing.T) {
	reg := &fakeRegistry{build: tenderAuction}
	e, _, st := newTestEngine(t, reg)
	ctx := context.Background()

	assert.NoError(t, e.Schedule(ctx))

	doc, err := st.Get(ctx, testAuctionID)
	assert.NoError(t, err)
	check.Equal(t, -1, doc.CurrentStage)
	check.Equal(t, "tender-1", doc.TenderID)
	check.Equal(t, 4, len(doc.Stages))
	check.Equal(t, testNow.Add(time.Hour), doc.Stages[0].StartTime)
	check.Equal(t, 1.0, doc.MinimalStep.Amount)

	assert.Equal(t, 2, len(doc.InitialBids))
	check.Equal(t, "A", doc.InitialBids[0].BidderID)
	check.Equal(t, 1, doc.InitialBids[0].BidderLabel)
	check.Equal(t, "B", doc.InitialBids[1].BidderID)
	check.Equal(t, 2, doc.InitialBids[1].BidderLabel)
	check.Equal(t, doc.Stages[0].StartTime, doc.InitialBids[0].Timestamp)

	// start, end of first pause, two bid stages, end of auction
	check.Equal(t, 5, e.scheduler.Pending())
	check.Equal(t, -1, e.Document().CurrentStage)
}

func TestScheduleMovesPastStartDate(t *testing.T) {
	reg := &fakeRegistry{build: func(fetch int) *registry.TenderAuction {
		auction := tenderAuction(fetch)
		auction.Data.AuctionPeriod.StartDate = testNow.Add(-time.Hour)
		return auction
	}}
	e, _, _ := newTestEngine(t, reg)

	assert.NoError(t, e.Schedule(context.Background()))

	doc := e.Document()
	check.Equal(t, testNow.Add(testOptions().StartDelay), doc.Stages[0].StartTime)
	check.Equal(t, testNow.Add(testOptions().StartDelay), e.auction.Data.AuctionPeriod.StartDate)
}

func TestScheduleReplacesStaleDocument(t *testing.T) {
	reg := &fakeRegistry{build: tenderAuction}
	e, _, st := newTestEngine(t, reg)
	ctx := context.Background()

	stale := &core.Document{ID: testAuctionID, TenderID: "stale", CurrentStage: 3}
	assert.NoError(t, st.Save(ctx, stale))

	assert.NoError(t, e.Schedule(ctx))

	doc, err := st.Get(ctx, testAuctionID)
	assert.NoError(t, err)
	check.Equal(t, "tender-1", doc.TenderID)
	check.Equal(t, -1, doc.CurrentStage)
}

func TestScheduleStartupErrors(t *testing.T) {
	t.Run("registry failure", func(t *testing.T) {
		fetchErr := errors.New("connection refused")
		e, _, _ := newTestEngine(t, &fakeRegistry{fetchErr: fetchErr})

		err := e.Schedule(context.Background())
		var startupErr *StartupError
		assert.True(t, errors.As(err, &startupErr))
		check.Equal(t, testAuctionID, startupErr.AuctionID)
		check.True(t, errors.Is(err, fetchErr))
	})

	t.Run("no bids", func(t *testing.T) {
		reg := &fakeRegistry{build: func(fetch int) *registry.TenderAuction {
			auction := tenderAuction(fetch)
			auction.Data.Bids = nil
			return auction
		}}
		e, _, _ := newTestEngine(t, reg)

		var startupErr *StartupError
		check.True(t, errors.As(e.Schedule(context.Background()), &startupErr))
	})
}

func TestEngineEndToEnd(t *testing.T) {
	reg := &fakeRegistry{build: tenderAuction}
	e, clock, st := newTestEngine(t, reg)
	ctx := context.Background()

	assert.NoError(t, e.Schedule(ctx))
	_, err := e.SubmitBid("B", 85)
	check.True(t, errors.Is(err, ErrAuctionNotStarted))

	e.startAuction(ctx)
	doc := e.Document()
	check.Equal(t, 0, doc.CurrentStage)
	check.Equal(t, "B", doc.InitialBids[0].BidderID)
	check.Equal(t, "B", doc.Stages[1].BidderID)
	check.Equal(t, 90.0, doc.Stages[1].Amount)
	check.Equal(t, "A", doc.Stages[2].BidderID)
	check.Equal(t, 100.0, doc.Stages[2].Amount)

	_, err = e.SubmitBid("B", 85)
	check.True(t, errors.Is(err, ErrNotBiddingStage))

	assert.NoError(t, e.nextStage(ctx))
	clock.Set(doc.Stages[1].StartTime.Add(30 * time.Second))

	_, err = e.SubmitBid("A", 80)
	check.True(t, errors.Is(err, ErrNotYourTurn))
	_, err = e.SubmitBid("B", 89.5)
	check.True(t, errors.Is(err, core.ErrStepTooSmall))

	receipt, err := e.SubmitBid("B", 85)
	assert.NoError(t, err)
	check.NotEqual(t, "", receipt.ID)
	check.Equal(t, 1, receipt.Stage)
	check.Equal(t, 85.0, receipt.Bid.Amount)
	check.Equal(t, 2, receipt.Bid.BidderLabel)
	check.Equal(t, clock.Now(), receipt.Bid.Timestamp)

	assert.NoError(t, e.endBidsStage(ctx))
	doc, err = st.Get(ctx, testAuctionID)
	assert.NoError(t, err)
	check.Equal(t, 2, doc.CurrentStage)
	check.True(t, doc.Stages[1].Changed)
	check.Equal(t, 85.0, doc.Stages[1].Amount)
	check.Equal(t, clock.Now(), doc.Stages[1].Timestamp)

	// A submits nothing.
	assert.NoError(t, e.endBidsStage(ctx))
	doc = e.Document()
	check.Equal(t, 3, doc.CurrentStage)
	check.False(t, doc.Stages[2].Changed)
	check.Equal(t, 100.0, doc.Stages[2].Amount)

	e.endAuction(ctx)
	assert.NoError(t, e.Wait(ctx))

	_, err = e.SubmitBid("A", 50)
	check.True(t, errors.Is(err, ErrAuctionClosed))

	results := e.Results()
	assert.Equal(t, 2, len(results))
	check.Equal(t, "A", results[0].BidderID)
	check.Equal(t, 100.0, results[0].Amount)
	check.Equal(t, "B", results[1].BidderID)
	check.Equal(t, 85.0, results[1].Amount)

	report := reg.lastReport()
	assert.NotNil(t, report)
	check.Equal(t, registry.StatusQualification, report.Data.Status)
	check.Equal(t, doc.EndDate, report.Data.AuctionPeriod.EndDate)
	check.Equal(t, "A", report.Data.Bids[0].ID)
	check.Equal(t, 100.0, report.Data.Bids[0].Value.Amount)
	check.Equal(t, "B", report.Data.Bids[1].ID)
	check.Equal(t, 85.0, report.Data.Bids[1].Value.Amount)
}

func TestStartRefreshesInitialBids(t *testing.T) {
	reg := &fakeRegistry{build: func(fetch int) *registry.TenderAuction {
		auction := tenderAuction(fetch)
		if fetch > 1 {
			// A lowered its bid, B disappeared and C is unknown.
			auction.Data.Bids = []registry.Bid{
				{ID: "A", Value: core.Value{Amount: 80}},
				{ID: "C", Value: core.Value{Amount: 10}},
			}
		}
		return auction
	}}
	e, _, _ := newTestEngine(t, reg)
	ctx := context.Background()

	assert.NoError(t, e.Schedule(ctx))
	e.startAuction(ctx)

	doc := e.Document()
	check.Equal(t, 0, doc.CurrentStage)
	assert.Equal(t, 2, len(doc.InitialBids))
	check.Equal(t, "A", doc.InitialBids[0].BidderID)
	check.Equal(t, 80.0, doc.InitialBids[0].Amount)
	check.Equal(t, "B", doc.InitialBids[1].BidderID)
	check.Equal(t, 90.0, doc.InitialBids[1].Amount)
	check.Equal(t, "A", doc.Stages[1].BidderID)
	check.Equal(t, "B", doc.Stages[2].BidderID)
}

func TestStartFailsOnRegistryError(t *testing.T) {
	reg := &fakeRegistry{build: tenderAuction}
	e, _, _ := newTestEngine(t, reg)
	ctx := context.Background()

	assert.NoError(t, e.Schedule(ctx))
	reg.fetchErr = errors.New("bad gateway")
	e.startAuction(ctx)

	var startupErr *StartupError
	check.True(t, errors.As(e.Wait(ctx), &startupErr))
	check.Equal(t, -1, e.Document().CurrentStage)
}

func TestBidForOtherStageIsIgnored(t *testing.T) {
	reg := &fakeRegistry{build: tenderAuction}
	e, _, _ := newTestEngine(t, reg)
	ctx := context.Background()

	assert.NoError(t, e.Schedule(ctx))
	e.startAuction(ctx)
	assert.NoError(t, e.nextStage(ctx))

	e.AddBid(2, core.Bid{BidderID: "B", Amount: 70, Timestamp: testNow})
	assert.NoError(t, e.endBidsStage(ctx))

	doc := e.Document()
	check.Equal(t, 2, doc.CurrentStage)
	check.False(t, doc.Stages[1].Changed)
	check.Equal(t, 90.0, doc.Stages[1].Amount)

	assert.NoError(t, e.endBidsStage(ctx))
	doc = e.Document()
	check.False(t, doc.Stages[2].Changed)
	check.Equal(t, 100.0, doc.Stages[2].Amount)
}

func TestConcurrentBidsBeforeTransition(t *testing.T) {
	reg := &fakeRegistry{build: tenderAuction}
	e, _, _ := newTestEngine(t, reg)
	ctx := context.Background()

	assert.NoError(t, e.Schedule(ctx))
	e.startAuction(ctx)
	assert.NoError(t, e.nextStage(ctx))

	const submissions = 50
	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.AddBid(1, core.Bid{
				BidderID:  "B",
				Amount:    float64(89 - i%10),
				Timestamp: testNow.Add(time.Duration(i) * time.Second),
			})
		}(i)
	}
	wg.Wait()

	assert.NoError(t, e.endBidsStage(ctx))

	stage := e.Document().Stages[1]
	check.True(t, stage.Changed)
	check.Equal(t, 80.0, stage.Amount)
	check.Equal(t, testNow.Add((submissions-1)*time.Second), stage.Timestamp)
}

func TestConcurrentBidsDuringTransition(t *testing.T) {
	reg := &fakeRegistry{build: tenderAuction}
	e, _, _ := newTestEngine(t, reg)
	ctx := context.Background()

	assert.NoError(t, e.Schedule(ctx))
	e.startAuction(ctx)
	assert.NoError(t, e.nextStage(ctx))

	_, err := e.SubmitBid("B", 85)
	assert.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.SubmitBid("B", 85)
		}()
	}
	assert.NoError(t, e.endBidsStage(ctx))
	wg.Wait()

	doc := e.Document()
	check.Equal(t, 2, doc.CurrentStage)
	check.True(t, doc.Stages[1].Changed)
	check.Equal(t, 85.0, doc.Stages[1].Amount)
	check.Equal(t, 0, len(e.pending[1]))
}

func TestReportFailureStillEndsAuction(t *testing.T) {
	reg := &fakeRegistry{build: tenderAuction, reportErr: errors.New("registry unavailable")}
	e, _, _ := newTestEngine(t, reg)
	ctx := context.Background()

	assert.NoError(t, e.Schedule(ctx))
	e.startAuction(ctx)
	assert.NoError(t, e.nextStage(ctx))
	assert.NoError(t, e.endBidsStage(ctx))
	assert.NoError(t, e.endBidsStage(ctx))
	e.endAuction(ctx)

	check.NoError(t, e.Wait(ctx))
	check.NotNil(t, reg.lastReport())
	check.Equal(t, 2, len(e.Results()))
}

func TestRunDrivenByClock(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := &fakeRegistry{build: tenderAuction}
	publisher := newFakePublisher()
	e, clock, _ := newTestEngine(t, reg, WithPublisher(publisher))
	opts := testOptions()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	doc := publisher.next(t)
	check.Equal(t, -1, doc.CurrentStage)

	clock.Set(doc.Stages[0].StartTime)
	check.Equal(t, 0, publisher.next(t).CurrentStage)

	clock.Advance(opts.FirstPause)
	check.Equal(t, 1, publisher.next(t).CurrentStage)

	_, err := e.SubmitBid("B", 85)
	assert.NoError(t, err)

	clock.Advance(opts.BidStage)
	doc = publisher.next(t)
	check.Equal(t, 2, doc.CurrentStage)
	check.Equal(t, 85.0, doc.Stages[1].Amount)

	clock.Advance(opts.BidStage)
	check.Equal(t, 3, publisher.next(t).CurrentStage)

	clock.Advance(opts.EndDelay)
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("auction did not end")
	}

	results := e.Results()
	assert.Equal(t, 2, len(results))
	check.Equal(t, 85.0, results[1].Amount)
}

func TestRunThreeRounds(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := &fakeRegistry{build: tenderAuction}
	publisher := newFakePublisher()
	opts := DefaultOptions()
	e, clock, _ := newTestEngine(t, reg, WithPublisher(publisher), WithOptions(opts))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	advance := func(d time.Duration) *core.Document {
		t.Helper()
		clock.Advance(d)
		return publisher.next(t)
	}
	submit := func(bidderID string, amount float64) {
		t.Helper()
		_, err := e.SubmitBid(bidderID, amount)
		assert.NoError(t, err)
	}

	doc := publisher.next(t)
	assert.Equal(t, 10, len(doc.Stages))
	clock.Set(doc.Stages[0].StartTime)
	check.Equal(t, 0, publisher.next(t).CurrentStage)

	// Round 1: B then A; A undercuts B.
	check.Equal(t, 1, advance(opts.FirstPause).CurrentStage)
	submit("B", 85)
	check.Equal(t, 2, advance(opts.BidStage).CurrentStage)
	submit("A", 70)
	doc = advance(opts.BidStage)
	check.Equal(t, 3, doc.CurrentStage)
	for _, idx := range []int{4, 7} {
		check.Equal(t, "A", doc.Stages[idx].BidderID)
		check.Equal(t, 70.0, doc.Stages[idx].Amount)
		check.Equal(t, "B", doc.Stages[idx+1].BidderID)
		check.Equal(t, 85.0, doc.Stages[idx+1].Amount)
	}

	// Round 2: A improves, B skips.
	check.Equal(t, 4, advance(opts.Pause).CurrentStage)
	submit("A", 65)
	check.Equal(t, 5, advance(opts.BidStage).CurrentStage)
	doc = advance(opts.BidStage)
	check.Equal(t, 6, doc.CurrentStage)
	check.False(t, doc.Stages[5].Changed)
	check.Equal(t, 65.0, doc.Stages[7].Amount)
	check.Equal(t, 85.0, doc.Stages[8].Amount)

	// Round 3: A improves again, B skips.
	doc = advance(opts.Pause)
	check.Equal(t, 7, doc.CurrentStage)
	check.Equal(t, "A", doc.Stages[7].BidderID)
	check.Equal(t, "B", doc.Stages[8].BidderID)
	submit("A", 60)
	check.Equal(t, 8, advance(opts.BidStage).CurrentStage)
	doc = advance(opts.BidStage)
	check.Equal(t, 9, doc.CurrentStage)
	check.Equal(t, core.StageAnnouncement, doc.Stages[9].Type)

	clock.Advance(opts.EndDelay)
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("auction did not end")
	}

	results := e.Results()
	assert.Equal(t, 2, len(results))
	check.Equal(t, "A", results[0].BidderID)
	check.Equal(t, 60.0, results[0].Amount)
	check.Equal(t, "B", results[1].BidderID)
	check.Equal(t, 85.0, results[1].Amount)

	report := reg.lastReport()
	assert.NotNil(t, report)
	check.Equal(t, 60.0, report.Data.Bids[0].Value.Amount)
	check.Equal(t, 85.0, report.Data.Bids[1].Value.Amount)
}
