package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-sentinel/sentinel/internal/pattern"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

var txDate = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		tx      Transaction
		ok      bool
		service string
		conf    float64
		days    int
	}{
		{
			name:    "spotify trial charge",
			tx:      Transaction{MerchantName: "SPOTIFY USA", Amount: amount("0.99"), Categories: []string{"Entertainment"}},
			ok:      true,
			service: "Spotify",
			conf:    1.0,
			days:    30,
		},
		{
			name: "random shop",
			tx:   Transaction{MerchantName: "RANDOM SHOP", Amount: amount("45.00"), Categories: []string{"Retail"}},
			ok:   false,
		},
		{
			name:    "known merchant full price",
			tx:      Transaction{MerchantName: "NETFLIX.COM", Amount: amount("15.49")},
			ok:      true,
			service: "Netflix",
			conf:    0.8,
			days:    30,
		},
		{
			name:    "account owner used when merchant name is empty",
			tx:      Transaction{AccountOwner: "Adobe Systems", Amount: amount("0.00")},
			ok:      true,
			service: "Adobe",
			conf:    0.8,
			days:    7,
		},
		{
			name: "account owner ignored when merchant name is set",
			tx:   Transaction{MerchantName: "RANDOM SHOP", AccountOwner: "NETFLIX", Amount: amount("45.00"), Categories: []string{"Retail"}},
			ok:   false,
		},
		{
			name: "trial amount without service is dropped",
			tx:   Transaction{MerchantName: "CORNER CAFE", Amount: amount("2.99")},
			ok:   false,
		},
		{
			name: "subscription category without service is dropped",
			tx:   Transaction{MerchantName: "OBSCURE APP", Amount: amount("7.50"), Categories: []string{"Software"}},
			ok:   false,
		},
		{
			name:    "negative amounts use magnitude",
			tx:      Transaction{MerchantName: "APPLE.COM/BILL", Amount: amount("-0.99")},
			ok:      true,
			service: "Apple",
			conf:    1.0,
			days:    7,
		},
	}

	cl := NewClassifier(pattern.Default())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.tx.Date = txDate
			c, ok := cl.Classify(tt.tx)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.service, c.ServiceName)
			assert.Equal(t, tt.conf, c.Confidence)
			assert.Equal(t, trial.SourceFinancial, c.Source())
			assert.Equal(t, txDate, c.TrialStart)
			assert.Equal(t, txDate.AddDate(0, 0, tt.days), c.TrialEnd)
		})
	}
}

func TestClassifySubscriptionAmount(t *testing.T) {
	cl := NewClassifier(pattern.Default())

	c, ok := cl.Classify(Transaction{MerchantName: "SPOTIFY USA", Amount: amount("0.99"), Date: txDate})
	require.True(t, ok)
	assert.True(t, c.SubscriptionAmount.Valid)
	assert.True(t, amount("0.99").Equal(c.SubscriptionAmount.Decimal))

	c, ok = cl.Classify(Transaction{MerchantName: "HULU", Amount: decimal.Zero, Date: txDate})
	require.True(t, ok)
	assert.False(t, c.SubscriptionAmount.Valid)
}

func TestClassifyBatch(t *testing.T) {
	txs := []Transaction{
		{MerchantName: "RANDOM SHOP", Amount: amount("45")},
		{MerchantName: "DROPBOX", Amount: amount("0")},
		{MerchantName: "ZOOM.US", Amount: amount("1.00")},
	}
	got, err := NewClassifier(pattern.Default()).ClassifyBatch(context.Background(), txs, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Dropbox", got[0].ServiceName)
	assert.Equal(t, "Zoom", got[1].ServiceName)
}

func TestSince(t *testing.T) {
	txs := []Transaction{{Date: txDate.AddDate(0, 0, -40)}, {Date: txDate}}
	assert.Len(t, Since(txs, txDate.AddDate(0, 0, -30)), 1)
}

func TestLoadCSV(t *testing.T) {
	data := "transaction_id,account_id,merchant_name,account_owner,amount,date,category\n" +
		"t1,a1,SPOTIFY USA,,0.99,2025-01-10,Service;Entertainment\n" +
		"t2,a1,RANDOM SHOP,,45.00,2025-01-11,Retail\n"

	txs, err := LoadCSV(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, txs, 2)

	assert.Equal(t, "t1", txs[0].TransactionID)
	assert.Equal(t, "SPOTIFY USA", txs[0].MerchantName)
	assert.True(t, amount("0.99").Equal(txs[0].Amount))
	assert.Equal(t, txDate, txs[0].Date)
	assert.Equal(t, []string{"Service", "Entertainment"}, txs[0].Categories)
}

func TestLoadCSVBadDate(t *testing.T) {
	data := "transaction_id,merchant_name,amount,date\nt1,NETFLIX,1.00,yesterday\n"
	_, err := LoadCSV(strings.NewReader(data))
	assert.Error(t, err)
}

func TestLoadJSON(t *testing.T) {
	data := `[
		{"transaction_id":"t1","account_id":"a1","name":"NETFLIX.COM","amount":9.99,"date":"2025-01-10","category":["Service","Subscription"]},
		{"transaction_id":"t2","merchant_name":"Hulu","amount":"0.00","date":"2025-01-12T08:00:00Z"}
	]`

	txs, err := LoadJSON(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, txs, 2)

	assert.Equal(t, "NETFLIX.COM", txs[0].MerchantName)
	assert.True(t, amount("9.99").Equal(txs[0].Amount))
	assert.Equal(t, []string{"Service", "Subscription"}, txs[0].Categories)
	assert.Equal(t, "Hulu", txs[1].MerchantName)
	assert.True(t, time.Date(2025, 1, 12, 8, 0, 0, 0, time.UTC).Equal(txs[1].Date))
}
