// Package vnpay implements the VNPAY merchant integration: request signing,
// callback verification, and payment URL construction.
//
// Canonical form for signing: drop parameters with empty values, sort the
// remaining keys, join as k=urlencode(v) with "&". The same string doubles as
// the URL query, so a signed URL verifies against itself.
package vnpay

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrSignatureMismatch indicates a callback whose secure hash does not match
// the merchant secret. Callers must reject the request before touching state.
var ErrSignatureMismatch = errors.New("vnpay signature mismatch")

// Config holds the merchant credentials and endpoints issued by VNPAY.
type Config struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	APIURL     string
	ReturnURL  string
	Version    string
	Locale     string
	CurrCode   string
	OrderType  string
}

// DefaultConfig returns sandbox endpoints and protocol defaults. TmnCode,
// HashSecret, and ReturnURL always come from deployment config.
func DefaultConfig() Config {
	return Config{
		PayURL:    "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		APIURL:    "https://sandbox.vnpayment.vn/merchant_webapi/api/transaction",
		Version:   "2.1.0",
		Locale:    "vn",
		CurrCode:  "VND",
		OrderType: "other",
	}
}

// Service signs and verifies VNPAY parameter sets for one merchant.
type Service struct {
	cfg Config
}

// NewService creates a signature service for the given merchant config.
func NewService(cfg Config) *Service {
	return &Service{cfg: cfg}
}

// canonicalize builds the string both signing and the URL query use.
func canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// Sign computes the hex HMAC-SHA512 of the canonical form of params.
func (s *Service) Sign(params map[string]string) string {
	mac := hmac.New(sha512.New, []byte(s.cfg.HashSecret))
	mac.Write([]byte(canonicalize(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the vnp_SecureHash of a callback parameter set. The hash
// fields themselves are excluded from the canonical form. Comparison is
// constant-time.
func (s *Service) Verify(params map[string]string) error {
	received, ok := params["vnp_SecureHash"]
	if !ok || received == "" {
		return ErrSignatureMismatch
	}

	filtered := make(map[string]string, len(params))
	for k, v := range params {
		if k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		filtered[k] = v
	}

	expected := s.Sign(filtered)
	if !hmac.Equal([]byte(strings.ToLower(received)), []byte(expected)) {
		return ErrSignatureMismatch
	}
	return nil
}

// PaymentRequest carries the per-payment fields of a redirect URL.
type PaymentRequest struct {
	TxnRef     string
	Amount     int64
	OrderInfo  string
	IPAddr     string
	CreateDate time.Time
	BankCode   string
}

// BuildPaymentURL constructs the signed redirect URL the patient's browser is
// sent to. Amount is VND; the wire format carries it multiplied by 100.
func (s *Service) BuildPaymentURL(req PaymentRequest) string {
	params := map[string]string{
		"vnp_Version":    s.cfg.Version,
		"vnp_Command":    "pay",
		"vnp_TmnCode":    s.cfg.TmnCode,
		"vnp_Amount":     fmt.Sprintf("%d", req.Amount*100),
		"vnp_CurrCode":   s.cfg.CurrCode,
		"vnp_TxnRef":     req.TxnRef,
		"vnp_OrderInfo":  req.OrderInfo,
		"vnp_OrderType":  s.cfg.OrderType,
		"vnp_Locale":     s.cfg.Locale,
		"vnp_ReturnUrl":  s.cfg.ReturnURL,
		"vnp_IpAddr":     req.IPAddr,
		"vnp_CreateDate": req.CreateDate.Format("20060102150405"),
	}
	if req.BankCode != "" {
		params["vnp_BankCode"] = req.BankCode
	}

	query := canonicalize(params)
	hash := s.Sign(params)
	return s.cfg.PayURL + "?" + query + "&vnp_SecureHash=" + hash
}

// BuildQRCodeURL is the payment URL variant that lands on the VNPAYQR flow,
// for counter displays where the patient scans instead of being redirected.
func (s *Service) BuildQRCodeURL(req PaymentRequest) string {
	req.BankCode = "VNPAYQR"
	return s.BuildPaymentURL(req)
}

// NewTxnRef builds a gateway transaction reference that is unique per attempt
// and still traceable back to the payment.
func NewTxnRef(paymentID string, now time.Time) string {
	id := strings.ReplaceAll(paymentID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "DT" + now.Format("20060102150405") + id
}

// ParseAmount converts the wire amount (VND x 100) back to VND.
func ParseAmount(wire int64) int64 {
	return wire / 100
}
