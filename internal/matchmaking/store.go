// Package matchmaking keeps the relay's waiting queue, partner pairs, online
// set and abuse reports. The Redis store lets several relay instances share
// one queue; the memory store serves single-instance deployments and tests.
package matchmaking

import (
	"context"
	"time"

	"github.com/mossy-p/pairchat/internal/models"
)

const (
	defaultReportLimit = 100
	maxStoredReports   = 1000
)

const (
	OnlineRefresh = 30 * time.Second
	OnlineTTL     = 3 * OnlineRefresh
)

// JoinResult is either a match (Partner set) or a queue position.
type JoinResult struct {
	Partner  string
	Room     string
	Position int
	// Dropped is the partner of a pair the caller was still in. Joining
	// dissolves that pair first; the relay tells Dropped it is over.
	Dropped string
}

func (r JoinResult) Matched() bool { return r.Partner != "" }

type Store interface {
	// Join dissolves id's current pair, then pairs id with the longest
	// waiting participant or enqueues id. The whole step is atomic and id is
	// never queued twice.
	Join(ctx context.Context, id string) (JoinResult, error)
	// Partner returns id's current partner, or "".
	Partner(ctx context.Context, id string) (string, error)
	// Leave dissolves id's pair on both sides and returns the old partner.
	// A partner that has already moved on to someone else is not returned.
	Leave(ctx context.Context, id string) (string, error)
	// Disconnect is Leave plus removal from the waiting queue and the
	// online set.
	Disconnect(ctx context.Context, id string) (string, error)

	// SetOnline marks ids as present now. Relays call it on connect and
	// again every OnlineRefresh for the sockets they hold; ids not seen for
	// OnlineTTL stop counting, so a crashed relay's users age out.
	SetOnline(ctx context.Context, ids ...string) error
	OnlineCount(ctx context.Context) (int64, error)

	SaveReport(ctx context.Context, report models.Report) error
	// Reports returns the newest reports first.
	Reports(ctx context.Context, limit int) ([]models.Report, error)
}

func reportLimit(limit int) int {
	if limit <= 0 || limit > maxStoredReports {
		return defaultReportLimit
	}
	return limit
}
