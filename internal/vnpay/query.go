package vnpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vietcare/rxpay/pkg/circuitbreaker"
)

// QueryResult is the subset of the querydr response the reconciler acts on.
type QueryResult struct {
	ResponseCode      string `json:"vnp_ResponseCode"`
	Message           string `json:"vnp_Message"`
	TxnRef            string `json:"vnp_TxnRef"`
	Amount            string `json:"vnp_Amount"`
	TransactionNo     string `json:"vnp_TransactionNo"`
	TransactionStatus string `json:"vnp_TransactionStatus"`
	BankCode          string `json:"vnp_BankCode"`
	PayDate           string `json:"vnp_PayDate"`
}

// Settled reports whether the gateway confirms the transaction completed.
func (r *QueryResult) Settled() bool {
	return r.ResponseCode == CodeSuccess && r.TransactionStatus == CodeSuccess
}

// QueryClient asks the gateway for the status of a transaction. Calls run
// through a circuit breaker so a gateway outage cannot pile up reconciler
// goroutines.
type QueryClient struct {
	svc     *Service
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewQueryClient creates a status-query client for the merchant.
func NewQueryClient(cfg Config, logger *zap.Logger) (*QueryClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("vnpay-querydr"), logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}
	return &QueryClient{
		svc:     NewService(cfg),
		cfg:     cfg,
		http:    &http.Client{Timeout: 15 * time.Second},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Query asks the gateway for the current status of txnRef. transactionDate is
// the vnp_CreateDate the payment was initiated with.
func (c *QueryClient) Query(ctx context.Context, txnRef string, transactionDate time.Time) (*QueryResult, error) {
	params := map[string]string{
		"vnp_RequestId":       uuid.New().String(),
		"vnp_Version":         c.cfg.Version,
		"vnp_Command":         "querydr",
		"vnp_TmnCode":         c.cfg.TmnCode,
		"vnp_TxnRef":          txnRef,
		"vnp_OrderInfo":       "Query transaction " + txnRef,
		"vnp_TransactionDate": transactionDate.Format("20060102150405"),
		"vnp_CreateDate":      time.Now().Format("20060102150405"),
		"vnp_IpAddr":          "127.0.0.1",
	}
	params["vnp_SecureHash"] = c.svc.Sign(params)

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
		}

		var qr QueryResult
		if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
			return nil, fmt.Errorf("decode query result: %w", err)
		}
		return &qr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("querydr %s: %w", txnRef, err)
	}

	qr := result.(*QueryResult)
	c.logger.Debug("gateway status queried",
		zap.String("txn_ref", txnRef),
		zap.String("response_code", qr.ResponseCode),
		zap.String("transaction_status", qr.TransactionStatus))
	return qr, nil
}
