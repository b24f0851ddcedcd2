package paypal

import "vouchd.org/internal/purchase"

// Wire shapes of the reporting API. Transactions are read transiently
// per query window and never persisted verbatim.

type transactionsResponse struct {
	TransactionDetails []transactionDetail `json:"transaction_details"`
	TotalItems         int                 `json:"total_items"`
	TotalPages         int                 `json:"total_pages"`
	Page               int                 `json:"page"`
}

type transactionDetail struct {
	TransactionInfo struct {
		TransactionID     string `json:"transaction_id"`
		TransactionStatus string `json:"transaction_status"`
	} `json:"transaction_info"`
	PayerInfo struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer_info"`
	CartInfo struct {
		ItemDetails []struct {
			ItemName string `json:"item_name"`
		} `json:"item_details"`
	} `json:"cart_info"`
}

func (d transactionDetail) asTransaction() purchase.Transaction {
	tx := purchase.Transaction{PayerEmail: d.PayerInfo.EmailAddress}
	for _, item := range d.CartInfo.ItemDetails {
		tx.ItemNames = append(tx.ItemNames, item.ItemName)
	}
	return tx
}
