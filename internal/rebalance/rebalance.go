// Package rebalance periodically equalizes balances across venues by
// pairing the venue with excess balance against the venue most short of
// it, and transferring the smaller of the two gaps. Every transfer is
// best-effort: a failure, including an Unsupported venue, is logged and
// the rebalancer moves on to the next pair.
package rebalance

import (
	"context"
	"sort"
	"sync"
	"time"

	"hedge-engine/internal/decimalx"
	"hedge-engine/internal/fanout"
	"hedge-engine/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	Threshold    decimal.Decimal
	TickInterval time.Duration
	Asset        string
}

func (c *Config) applyDefaults() {
	if c.Threshold.IsZero() {
		c.Threshold = decimal.NewFromFloat(0.03)
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.Asset == "" {
		c.Asset = "USDT"
	}
}

type Rebalancer struct {
	cfg    Config
	venues map[string]venue.Adapter
	log    *zap.Logger
}

func New(cfg Config, venues map[string]venue.Adapter, log *zap.Logger) *Rebalancer {
	cfg.applyDefaults()
	return &Rebalancer{cfg: cfg, venues: venues, log: log}
}

func (r *Rebalancer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

type balance struct {
	venueName string
	amount    decimal.Decimal
}

func (r *Rebalancer) tick(ctx context.Context) {
	balances, total := r.collectBalances(ctx)
	if len(balances) == 0 || total.IsZero() {
		return
	}
	avg := total.Div(decimal.NewFromInt(int64(len(balances))))

	var donors, recipients []balance
	for _, b := range balances {
		deviation := decimalx.Abs(b.amount.Sub(avg)).Div(total)
		if deviation.LessThanOrEqual(r.cfg.Threshold) {
			continue
		}
		if b.amount.GreaterThan(avg) {
			donors = append(donors, b)
		} else {
			recipients = append(recipients, b)
		}
	}
	sort.Slice(donors, func(i, j int) bool { return donors[i].amount.GreaterThan(donors[j].amount) })
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].amount.LessThan(recipients[j].amount) })

	r.pairAndTransfer(ctx, donors, recipients, avg)
}

// collectBalances fans out with fanout.All so a single unresponsive venue
// only drops itself from this rebalance cycle, rather than discarding every
// balance already collected from the venues that did answer.
func (r *Rebalancer) collectBalances(ctx context.Context) ([]balance, decimal.Decimal) {
	var mu sync.Mutex
	var balances []balance
	total := decimal.Zero

	tasks := make([]fanout.Task, 0, len(r.venues))
	for name, adapter := range r.venues {
		name, adapter := name, adapter
		tasks = append(tasks, fanout.Task{
			Name: name,
			Run: func(taskCtx context.Context) error {
				bal, err := adapter.GetTotalBalance(taskCtx)
				if err != nil {
					return err
				}
				mu.Lock()
				balances = append(balances, balance{venueName: name, amount: bal})
				total = total.Add(bal)
				mu.Unlock()
				return nil
			},
		})
	}

	for _, result := range fanout.All(ctx, tasks) {
		if result.Err != nil {
			r.log.Warn("rebalance: balance collection failed", zap.String("venue", result.Name), zap.Error(result.Err))
		}
	}
	return balances, total
}

func (r *Rebalancer) pairAndTransfer(ctx context.Context, donors, recipients []balance, avg decimal.Decimal) {
	di, ri := 0, 0
	for di < len(donors) && ri < len(recipients) {
		donor := donors[di]
		recipient := recipients[ri]

		donorExcess := donor.amount.Sub(avg)
		recipientDeficit := avg.Sub(recipient.amount)
		amount := recipientDeficit
		if donorExcess.LessThan(recipientDeficit) {
			amount = donorExcess
		}
		if amount.LessThanOrEqual(decimal.Zero) {
			break
		}

		donorAdapter := r.venues[donor.venueName]
		recipientAdapter := r.venues[recipient.venueName]
		if err := donorAdapter.TransferTo(ctx, recipientAdapter, amount, r.cfg.Asset); err != nil {
			if venueErr, ok := err.(*venue.Error); ok && venueErr.Kind == venue.ErrUnsupported {
				r.log.Info("rebalance: transfer unsupported, skipping pair", zap.String("from", donor.venueName), zap.String("to", recipient.venueName))
			} else {
				r.log.Warn("rebalance: transfer failed", zap.String("from", donor.venueName), zap.String("to", recipient.venueName), zap.Error(err))
			}
			di++
			continue
		}

		donors[di].amount = donors[di].amount.Sub(amount)
		recipients[ri].amount = recipients[ri].amount.Add(amount)
		if donors[di].amount.Sub(avg).LessThanOrEqual(decimal.Zero) {
			di++
		}
		if avg.Sub(recipients[ri].amount).LessThanOrEqual(decimal.Zero) {
			ri++
		}
	}
}
