// Package feeds hosts inbound adapters for external data sources.
package feeds

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"ims/internal/clock"
	"ims/internal/domain"
)

// Ingestor is the slice of the dispatcher the feed needs.
type Ingestor interface {
	Ingest(ctx context.Context, ev *domain.Event) error
}

// availabilityMessage is the wire shape one lender message arrives in.
type availabilityMessage struct {
	SecurityID   string `json:"securityId"`
	BusinessDate string `json:"businessDate"`
	Quantity     string `json:"quantity"`
	SourceName   string `json:"sourceName"`
}

// ExternalFeed consumes a websocket stream of external lender availability
// and feeds it into ingress. Per source the last value wins; that invariant
// is enforced downstream by the store.
type ExternalFeed struct {
	url      string
	ingestor Ingestor
	clock    clock.Clock
	logger   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExternalFeed creates a feed adapter for the given websocket URL.
func NewExternalFeed(url string, ingestor Ingestor, clk clock.Clock) *ExternalFeed {
	return &ExternalFeed{
		url:      url,
		ingestor: ingestor,
		clock:    clk,
		logger:   log.With().Str("component", "feed").Logger(),
	}
}

// Start launches the connect/read loop. Disconnects reconnect with
// exponential backoff; a clean read resets the backoff.
func (f *ExternalFeed) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	f.cancel = cancel
	f.wg.Add(1)
	go f.loop(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (f *ExternalFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *ExternalFeed) loop(ctx context.Context) {
	defer f.wg.Done()
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}

	for ctx.Err() == nil {
		if err := f.consume(ctx, b); err != nil && ctx.Err() == nil {
			wait := b.Duration()
			f.logger.Warn().Err(err).Dur("retry_in", wait).Msg("feed disconnected")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
		}
	}
}

func (f *ExternalFeed) consume(ctx context.Context, b *backoff.Backoff) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	f.logger.Info().Str("url", f.url).Msg("feed connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		b.Reset()

		var msg availabilityMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Warn().Err(err).Msg("malformed feed message dropped")
			continue
		}
		if err := f.forward(ctx, msg); err != nil {
			f.logger.Warn().Err(err).
				Str("security", msg.SecurityID).
				Str("source", msg.SourceName).
				Msg("feed message not admitted")
		}
	}
}

func (f *ExternalFeed) forward(ctx context.Context, msg availabilityMessage) error {
	qty, err := decimal.NewFromString(msg.Quantity)
	if err != nil {
		return domain.NewValidation("feed quantity is not a decimal: " + msg.Quantity)
	}
	date, err := domain.ParseDate(msg.BusinessDate)
	if err != nil {
		return domain.NewValidation("feed business date is malformed: " + msg.BusinessDate)
	}

	return f.ingestor.Ingest(ctx, &domain.Event{
		EventID:       uuid.NewString(),
		Kind:          domain.EventInventory,
		SubType:       domain.SubtypeExternalAvailability,
		EffectiveTime: f.clock.Now(),
		BusinessDate:  date,
		SourceSystem:  msg.SourceName,
		SecurityID:    msg.SecurityID,
		Payload: &domain.ExternalAvailabilityPayload{
			Availability: domain.ExternalAvailability{
				SecurityID:   msg.SecurityID,
				BusinessDate: date,
				Quantity:     qty,
				SourceName:   msg.SourceName,
			},
		},
	})
}
