package parser

import (
	"github.com/shopspring/decimal"
)

// Imputer fills or discards rows with missing price fields. It returns the
// rows to keep and how many it dropped.
type Imputer interface {
	Impute(rows []Row) ([]Row, int)
}

// NewImputer returns the imputer for a configured policy name: "mean" or "none".
func NewImputer(policy string) Imputer {
	if policy == "none" {
		return DropIncomplete{}
	}
	return ColumnMean{}
}

// ColumnMean replaces a missing price with the mean of that column over the
// rows of the same batch that have it. A column missing everywhere cannot be
// filled, so rows lacking it are dropped.
type ColumnMean struct{}

func (ColumnMean) Impute(rows []Row) ([]Row, int) {
	var means [numPriceFields]*decimal.Decimal
	for f := 0; f < numPriceFields; f++ {
		sum := decimal.Zero
		n := int64(0)
		for i := range rows {
			if v := rows[i].Prices[f]; v != nil {
				sum = sum.Add(*v)
				n++
			}
		}
		if n > 0 {
			m := sum.Div(decimal.NewFromInt(n)).Round(6)
			means[f] = &m
		}
	}

	kept := rows[:0]
	dropped := 0
	for _, r := range rows {
		ok := true
		for f := 0; f < numPriceFields; f++ {
			if r.Prices[f] != nil {
				continue
			}
			if means[f] == nil {
				ok = false
				break
			}
			m := *means[f]
			r.Prices[f] = &m
		}
		if !ok {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}

// DropIncomplete discards every row with a missing price field.
type DropIncomplete struct{}

func (DropIncomplete) Impute(rows []Row) ([]Row, int) {
	kept := rows[:0]
	dropped := 0
	for _, r := range rows {
		complete := true
		for f := 0; f < numPriceFields; f++ {
			if r.Prices[f] == nil {
				complete = false
				break
			}
		}
		if !complete {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}
