// Package ledger retains durable per-provider, per-model, per-session cost
// aggregates for operational reporting. A small sqlite database holds one
// row per completed request; ByProviderModel and SessionTotal aggregate the
// rows. The gateway's get_router_costs report shows budget scopes and does
// not read the ledger.
package ledger

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// UsageRecord is one completed request's cost row.
type UsageRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SessionID   string    `gorm:"size:64;index" json:"session_id"`
	Provider    string    `gorm:"size:32;index:idx_provider_model" json:"provider"`
	Model       string    `gorm:"size:100;index:idx_provider_model" json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CachedTokens int     `json:"cached_tokens"`
	CostUSD      float64 `gorm:"type:decimal(12,8)" json:"cost_usd"`
	LatencyMS    int64   `json:"latency_ms"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

func (UsageRecord) TableName() string { return "lk_usage_records" }

// Aggregate is a rolled-up view keyed by provider and model.
type Aggregate struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Ledger wraps the sqlite store.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the ledger database and migrates the schema.
// path ":memory:" keeps the ledger in memory for tests.
func Open(path string, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &Ledger{db: db, logger: log}, nil
}

// Record appends one completed request.
func (l *Ledger) Record(sessionID, provider, model string, usage types.TokenUsage, costUSD float64, latency time.Duration) error {
	rec := UsageRecord{
		SessionID:    sessionID,
		Provider:     provider,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CachedTokens: usage.CachedInputTokens,
		CostUSD:      costUSD,
		LatencyMS:    latency.Milliseconds(),
		CreatedAt:    time.Now(),
	}
	if err := l.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// ByProviderModel aggregates all recorded usage since the given time.
func (l *Ledger) ByProviderModel(since time.Time) ([]Aggregate, error) {
	var out []Aggregate
	err := l.db.Model(&UsageRecord{}).
		Select("provider, model, COUNT(*) as requests, SUM(input_tokens) as input_tokens, SUM(output_tokens) as output_tokens, SUM(cost_usd) as cost_usd").
		Where("created_at >= ?", since).
		Group("provider, model").
		Order("cost_usd DESC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	return out, nil
}

// SessionTotal sums one session's spend.
func (l *Ledger) SessionTotal(sessionID string) (float64, error) {
	var total float64
	err := l.db.Model(&UsageRecord{}).
		Select("COALESCE(SUM(cost_usd), 0)").
		Where("session_id = ?", sessionID).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("session total: %w", err)
	}
	return total, nil
}

// Prune deletes rows older than the retention horizon.
func (l *Ledger) Prune(olderThan time.Time) (int64, error) {
	res := l.db.Where("created_at < ?", olderThan).Delete(&UsageRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune ledger: %w", res.Error)
	}
	return res.RowsAffected, nil
}
