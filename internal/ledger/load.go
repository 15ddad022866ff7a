package ledger

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// csvRow is one line of a transaction export. Categories are separated by
// semicolons.
type csvRow struct {
	TransactionID string          `csv:"transaction_id"`
	AccountID     string          `csv:"account_id"`
	MerchantName  string          `csv:"merchant_name"`
	AccountOwner  string          `csv:"account_owner,omitempty"`
	Amount        decimal.Decimal `csv:"amount"`
	Date          string          `csv:"date"`
	Category      string          `csv:"category,omitempty"`
}

// jsonRow follows the bank aggregator's transaction object.
type jsonRow struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	MerchantName  string          `json:"merchant_name"`
	Name          string          `json:"name"`
	AccountOwner  string          `json:"account_owner"`
	Amount        decimal.Decimal `json:"amount"`
	Date          string          `json:"date"`
	Category      []string        `json:"category"`
}

// Load reads transactions from a .csv or .json file.
func Load(path string) ([]Transaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: open %s", path)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(f)
	case ".json":
		return LoadJSON(f)
	default:
		return nil, eris.Errorf("ledger: unsupported file type %q", filepath.Ext(path))
	}
}

// LoadCSV decodes a transaction CSV with a header row.
func LoadCSV(r io.Reader) ([]Transaction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: read csv")
	}

	var rows []csvRow
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrap(err, "ledger: decode csv")
	}

	txs := make([]Transaction, 0, len(rows))
	for i, row := range rows {
		date, err := parseDay(row.Date)
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: csv row %d", i+1)
		}
		txs = append(txs, Transaction{
			TransactionID: row.TransactionID,
			AccountID:     row.AccountID,
			MerchantName:  row.MerchantName,
			AccountOwner:  row.AccountOwner,
			Amount:        row.Amount,
			Date:          date,
			Categories:    splitCategories(row.Category),
		})
	}
	return txs, nil
}

// LoadJSON decodes a JSON array of transactions. When merchant_name is empty
// the raw name is used.
func LoadJSON(r io.Reader) ([]Transaction, error) {
	var rows []jsonRow
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, eris.Wrap(err, "ledger: decode json")
	}

	txs := make([]Transaction, 0, len(rows))
	for i, row := range rows {
		date, err := parseDay(row.Date)
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: json item %d", i)
		}
		merchant := row.MerchantName
		if merchant == "" {
			merchant = row.Name
		}
		txs = append(txs, Transaction{
			TransactionID: row.TransactionID,
			AccountID:     row.AccountID,
			MerchantName:  merchant,
			AccountOwner:  row.AccountOwner,
			Amount:        row.Amount,
			Date:          date,
			Categories:    row.Category,
		})
	}
	return txs, nil
}

func parseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid date %q", s)
	}
	return t.UTC(), nil
}

func splitCategories(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
