package httpd

import "time"

type AmountPayload struct {
	Value    string `json:"value" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3"`
}

type CreateOrderReq struct {
	MerchantID string        `json:"merchantId" validate:"required"`
	Amount     AmountPayload `json:"amount" validate:"required"`
}

type PayOrderReq struct {
	Processor string `json:"processor" validate:"required,oneof=stripe razorpay"`
}

type OrderResp struct {
	ReferenceNo  string    `json:"referenceNo"`
	MerchantID   string    `json:"merchantId"`
	AmountString string    `json:"amount"`
	Currency     string    `json:"currency"`
	Status       string    `json:"status"`
	Processor    string    `json:"processor,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Transactions []TxItem  `json:"transactions,omitempty"`
}

type TxItem struct {
	Type           string    `json:"type"`
	AmountString   string    `json:"amount"`
	Status         string    `json:"status"`
	ProcessorTxnID string    `json:"processorTxnId"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type WebhookAck struct {
	Received bool `json:"received"`
}

type errResp struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
