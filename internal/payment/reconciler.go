package payment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vietcare/rxpay/internal/vnpay"
)

// ReconcilerConfig controls the PENDING-payment sweep.
type ReconcilerConfig struct {
	// Interval is how often to sweep.
	Interval time.Duration
	// StaleAfter is how long a gateway payment may sit PENDING before it is
	// queried. Must outlive the gateway's payment window so the sweep never
	// races a patient who is still typing an OTP.
	StaleAfter time.Duration
	// BatchSize caps payments queried per sweep.
	BatchSize int
}

// DefaultReconcilerConfig returns sweep defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:   5 * time.Minute,
		StaleAfter: 30 * time.Minute,
		BatchSize:  50,
	}
}

// Reconciler settles gateway payments whose callback never arrived, usually
// because the patient closed the browser mid-redirect. It asks the gateway
// for the transaction status and pushes the answer through the same path a
// live callback takes.
type Reconciler struct {
	gateway *Gateway
	query   *vnpay.QueryClient
	cfg     ReconcilerConfig
	logger  *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(gateway *Gateway, query *vnpay.QueryClient, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{gateway: gateway, query: query, cfg: cfg, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep reconciles one batch of stale payments. Per-payment failures are
// logged and skipped; the rest of the batch still runs.
func (r *Reconciler) sweep(ctx context.Context) {
	payments, err := r.gateway.StalePending(ctx, r.cfg.StaleAfter, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("stale payment lookup failed", zap.Error(err))
		return
	}
	if len(payments) == 0 {
		return
	}

	r.logger.Info("reconciling stale gateway payments", zap.Int("count", len(payments)))

	for _, p := range payments {
		if err := r.reconcileOne(ctx, p); err != nil {
			r.logger.Warn("reconciliation failed",
				zap.String("payment_id", p.ID),
				zap.Error(err))
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, p *Payment) error {
	qr, err := r.query.Query(ctx, *p.TxnRef, p.CreatedAt)
	if err != nil {
		return err
	}

	result, err := r.gateway.ApplyQueryResult(ctx, qr)
	if err != nil {
		// The payment may have been settled by a late callback between the
		// stale lookup and the query; that is not a failure.
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if !result.AlreadyProcessed {
		r.logger.Info("stale payment reconciled",
			zap.String("payment_id", p.ID),
			zap.String("status", string(result.Payment.Status)),
			zap.String("response_code", result.ResponseCode))
	}
	return nil
}
