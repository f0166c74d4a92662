// Package broadcast publishes auction document snapshots to NATS so that
// viewers can follow an auction without reading the store.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/cloudx-io/tenderauction/core"
)

// SubjectPrefix is followed by the auction id.
const SubjectPrefix = "auctions."

// Snapshot is the message body published after every saved transition.
type Snapshot struct {
	EventID      string         `json:"event_id"`
	AuctionID    string         `json:"auction_id"`
	CurrentStage int            `json:"current_stage"`
	PublishedAt  time.Time      `json:"published_at"`
	Document     *core.Document `json:"document"`
}

// publisher is satisfied by *nats.Conn.
type publisher interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	conn  publisher
	close func()
	now   func() time.Time
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("tender-auction-worker"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn, close: conn.Close, now: time.Now}, nil
}

// Subject returns the subject snapshots of auctionID are published on.
func Subject(auctionID string) string {
	return SubjectPrefix + auctionID
}

// Publish sends a snapshot of doc. Delivery is best effort.
func (p *NATSPublisher) Publish(ctx context.Context, doc *core.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(Snapshot{
		EventID:      uuid.NewString(),
		AuctionID:    doc.ID,
		CurrentStage: doc.CurrentStage,
		PublishedAt:  p.now().UTC(),
		Document:     doc,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := p.conn.Publish(Subject(doc.ID), data); err != nil {
		return fmt.Errorf("publish to %s: %w", Subject(doc.ID), err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}
