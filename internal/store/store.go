// Package store provides the durable ledger of orders, deals and positions.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"mt5-executor/internal/models"
)

// DataStore defines the interface for ledger persistence.
//
// Every write that can race with a concurrent poll is guarded in SQL:
// deal ingestion is keyed by deal ticket, legs by (position, symbol), the
// placeholder overwrite by the placeholder flag and the close by close_date.
type DataStore interface {
	// Clients
	CreateClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, id int64) (*models.Client, error)
	ListClients(ctx context.Context) ([]models.Client, error)

	// Orders
	CreateOrder(ctx context.Context, order *models.Order) error
	GetGroupOrders(ctx context.Context, clientID int64, groupID string) ([]models.Order, error)
	GetPositionOrders(ctx context.Context, positionID int64) ([]models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	UpdateOrderProgress(ctx context.Context, order *models.Order) (bool, error)

	// Deals
	UpsertDeals(ctx context.Context, deals []models.Deal) (int, error)
	GetDeal(ctx context.Context, ticket int64) (*models.Deal, error)
	ListDeals(ctx context.Context, filter DealFilter) ([]models.Deal, error)

	// Positions
	CreatePosition(ctx context.Context, position *models.Position) error
	CreateGroupPosition(ctx context.Context, groupID string, position *models.Position) (bool, error)
	GetPosition(ctx context.Context, clientID, id int64) (*models.Position, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error)
	ConfirmPosition(ctx context.Context, id int64, confirm PositionConfirmation) (bool, error)
	DeletePlaceholder(ctx context.Context, id int64) (bool, error)
	ClosePosition(ctx context.Context, id int64, closing PositionClosing) (bool, error)
	ClientsWithOpenPositions(ctx context.Context) ([]int64, error)

	// Legs
	CreateLegIfAbsent(ctx context.Context, leg *models.Leg) (bool, error)
	GetLegs(ctx context.Context, positionID int64) ([]models.Leg, error)
	MarkLegStopAdjusted(ctx context.Context, legID int64) error
	AppendLegDealTickets(ctx context.Context, legID int64, tickets []int64) error

	// Lifecycle
	Close() error
}

// OrderFilter represents filters for querying orders.
type OrderFilter struct {
	ClientID int64
	GroupID  string
	Side     models.Side
	Statuses []models.OrderStatus
	Since    time.Time
	Limit    int
}

// DealFilter represents filters for querying deals.
type DealFilter struct {
	ClientID    int64
	Symbol      string
	OrderTicket int64
	From        time.Time
	To          time.Time
}

// PositionFilter represents filters for querying positions.
type PositionFilter struct {
	ClientID            int64
	OpenOnly            bool
	IncludePlaceholders bool
}

// PositionConfirmation carries the executed values written over a placeholder.
type PositionConfirmation struct {
	OpenDate  time.Time
	UnitCost  decimal.Decimal
	Quantity  decimal.Decimal
	TotalCost decimal.Decimal
}

// PositionClosing carries the exit values of a closed position.
type PositionClosing struct {
	CloseDate     time.Time
	ExitPrice     decimal.Decimal
	TotalProceeds decimal.Decimal
}
