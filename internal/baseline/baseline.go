// Package baseline holds the synthetic corpus that defines "normal" for the
// anomaly model and fixes the feature schema.
//
// The corpus is deliberately skewed toward low amounts so that large purchases
// are rare. Any change to the rows below must bump Version.
package baseline

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// Version identifies this corpus and the schema derived from it.
const Version = "kosovo-retail-2024.01"

var amounts = []float64{
	// Normal retail
	50, 20, 30, 100, 200, 75, 125, 175, 225, 275,
	// Grocery and daily purchases
	15, 25, 35, 45, 65, 85, 95, 115, 145, 185,
	// Large purchases
	500, 750, 1200, 1500, 2000, 2500, 3000, 4000, 5000, 7500,
	// Micro
	5, 8, 12, 17, 22, 27, 33, 38, 42, 47,
	// Mid-range
	150, 250, 350, 450, 550, 650, 750, 850, 950, 1050,
}

var locations = []string{
	"PRISHTINE", "PRIZREN", "PEJE", "GJAKOVE", "GJILAN",
	"PRISHTINE", "FERIZAJ", "MITROVICE", "PEJE", "GJAKOVE",
	"VUSHTRRI", "PODUJEVE", "LIPJAN", "RAHOVEC", "MALISHEVE",
	"PRISHTINE", "PRIZREN", "PEJE", "GJAKOVE", "GJILAN",
	"PRISHTINE", "FERIZAJ", "DRAGASH", "ISTOG", "KLINE",
	"DECAN", "JUNIK", "KACANIK", "SHTIME", "OBILIQ",
	"PRISHTINE", "PRIZREN", "PEJE", "GJAKOVE", "GJILAN",
	"PRISHTINE", "FERIZAJ", "MITROVICE", "PEJE", "GJAKOVE",
	"HANI I ELEZIT", "VITIA", "FUSHE KOSOVE", "SKENDERAJ", "SUHAREKE",
	"PRISHTINE", "PRIZREN", "PEJE", "GJAKOVE", "DRENAS",
}

var devices = []string{
	"POS", "ATM", "POS", "MOBILE", "WEB",
	"POS", "ATM", "MOBILE", "POS", "ATM",
	"MOBILE", "WEB", "POS", "ATM", "MOBILE",
	"POS", "POS", "ATM", "MOBILE", "WEB",
	"POS", "ATM", "MOBILE", "WEB", "POS",
	"ATM", "MOBILE", "POS", "WEB", "ATM",
	"POS", "POS", "POS", "ATM", "ATM",
	"MOBILE", "MOBILE", "WEB", "WEB", "POS",
	"POS", "ATM", "POS", "MOBILE", "WEB",
	"POS", "ATM", "MOBILE", "POS", "ATM",
}

// hours are common transaction hours; every day of the corpus uses all of them.
var hours = []int{9, 11, 13, 15, 17, 19, 21, 23, 14, 16}

const days = 5

// Corpus returns a fresh copy of the baseline transactions.
func Corpus() []domain.Transaction {
	txs := make([]domain.Transaction, 0, len(amounts))
	i := 0
	for day := 1; day <= days; day++ {
		for _, hour := range hours {
			txs = append(txs, domain.Transaction{
				Amount:    amounts[i],
				Timestamp: time.Date(2024, time.January, day, hour, 0, 0, 0, time.UTC),
				Location:  locations[i],
				Device:    devices[i],
			})
			i++
		}
	}
	return txs
}

// Schema returns the feature schema fixed by the corpus.
func Schema() (*features.Schema, error) {
	return features.SchemaFromTransactions(Version, Corpus())
}
