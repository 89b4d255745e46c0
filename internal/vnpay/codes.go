package vnpay

// CodeSuccess is the response code VNPAY sends for a completed payment.
const CodeSuccess = "00"

// responseMessages maps vnp_ResponseCode values to operator-facing text.
var responseMessages = map[string]string{
	"00": "Transaction successful",
	"07": "Money deducted, transaction suspected of fraud",
	"09": "Card or account not registered for internet banking",
	"10": "Card or account verification failed more than 3 times",
	"11": "Payment window expired",
	"12": "Card or account is locked",
	"13": "Wrong OTP entered",
	"24": "Customer cancelled the transaction",
	"51": "Insufficient account balance",
	"65": "Daily transaction limit exceeded",
	"75": "Issuing bank is under maintenance",
	"79": "Wrong payment password entered too many times",
	"99": "Other error",
}

// ResponseMessage returns the text for a gateway response code. Unknown codes
// fall back to a generic message so new gateway codes never break callbacks.
func ResponseMessage(code string) string {
	if msg, ok := responseMessages[code]; ok {
		return msg
	}
	return "Unknown response code " + code
}

// IPN acknowledgement codes. The gateway retries delivery until it receives
// RspCode 00 or 01, so both must be returned with HTTP 200.
const (
	IPNSuccess          = "00"
	IPNOrderNotFound    = "01"
	IPNInvalidSignature = "97"
	IPNInternalError    = "99"
)

// IPNResponse is the JSON body acknowledging an IPN delivery.
type IPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// Ack builds the standard acknowledgements.
func Ack(code string) IPNResponse {
	switch code {
	case IPNSuccess:
		return IPNResponse{RspCode: IPNSuccess, Message: "Confirm Success"}
	case IPNOrderNotFound:
		return IPNResponse{RspCode: IPNOrderNotFound, Message: "Order not found"}
	case IPNInvalidSignature:
		return IPNResponse{RspCode: IPNInvalidSignature, Message: "Invalid signature"}
	default:
		return IPNResponse{RspCode: IPNInternalError, Message: "Unknown error"}
	}
}
