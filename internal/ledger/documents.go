package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// AttendanceKey identifies one month of an employee's attendance view.
type AttendanceKey struct {
	EmployeeID    string `json:"employeeId"`
	FinancialYear string `json:"financialYear"`
	Month         string `json:"month"`
}

func (k AttendanceKey) ID() string {
	return k.EmployeeID + ":" + k.FinancialYear + ":" + k.Month
}

// AttendanceEntry is one wage credit that marked the employee present.
type AttendanceEntry struct {
	TransactionID string          `json:"transactionId"`
	Source        string          `json:"source"`
	Amount        decimal.Decimal `json:"amount"`
}

// AttendanceDay aggregates every source event that touched one day.
type AttendanceDay struct {
	Date    string            `json:"date"`
	Entries []AttendanceEntry `json:"entries"`
	Sources []string          `json:"sources"`
	Count   int               `json:"count"`
}

// AttendanceBucket is the derived presence calendar of one employee month.
type AttendanceBucket struct {
	AttendanceKey
	OrganizationID string                   `json:"organizationId"`
	Days           map[string]AttendanceDay `json:"days"`
	DaysPresent    int                      `json:"daysPresent"`
	EventCount     int                      `json:"eventCount"`
	UpdatedAt      time.Time                `json:"updatedAt"`
}

func (b AttendanceBucket) Empty() bool { return len(b.Days) == 0 }

func (b AttendanceBucket) Clone() AttendanceBucket {
	out := b
	if b.Days != nil {
		out.Days = make(map[string]AttendanceDay, len(b.Days))
		for k, d := range b.Days {
			d.Entries = append([]AttendanceEntry(nil), d.Entries...)
			d.Sources = append([]string(nil), d.Sources...)
			out.Days[k] = d
		}
	}
	return out
}

// AnalyticsKey identifies an organization's analytics for one financial year.
type AnalyticsKey struct {
	OrganizationID string `json:"organizationId"`
	FinancialYear  string `json:"financialYear"`
}

func (k AnalyticsKey) ID() string { return k.OrganizationID + ":" + k.FinancialYear }

// Series is an additive bucket of a time series.
type Series struct {
	Credit decimal.Decimal `json:"credit"`
	Debit  decimal.Decimal `json:"debit"`
	Count  int64           `json:"count"`
}

func (s Series) Zero() bool {
	return s.Count == 0 && s.Credit.IsZero() && s.Debit.IsZero()
}

// Aging is the receivables aging view. New receivables are always booked
// into Current and never migrate to the older buckets.
type Aging struct {
	Current    decimal.Decimal `json:"current"`
	Days31To60 decimal.Decimal `json:"days31to60"`
	Days61To90 decimal.Decimal `json:"days61to90"`
	Over90     decimal.Decimal `json:"over90"`
}

// AnalyticsTotals are the headline figures of an organization year.
type AnalyticsTotals struct {
	Income           decimal.Decimal `json:"income"`
	Receivables      decimal.Decimal `json:"receivables"`
	Payables         decimal.Decimal `json:"payables"`
	Payments         decimal.Decimal `json:"payments"`
	PayrollCredited  decimal.Decimal `json:"payrollCredited"`
	PayrollDebited   decimal.Decimal `json:"payrollDebited"`
	Expenses         decimal.Decimal `json:"expenses"`
	Refunds          decimal.Decimal `json:"refunds"`
	TransactionCount int64           `json:"transactionCount"`
}

// AnalyticsDocument holds additive counters derived from the transaction log.
// It is never authoritative.
type AnalyticsDocument struct {
	AnalyticsKey
	Totals           AnalyticsTotals            `json:"totals"`
	Daily            map[string]Series          `json:"daily"`
	Weekly           map[string]Series          `json:"weekly"`
	Monthly          map[string]Series          `json:"monthly"`
	ByCategory       map[string]decimal.Decimal `json:"byCategory"`
	ByType           map[string]decimal.Decimal `json:"byType"`
	ByPaymentChannel map[string]decimal.Decimal `json:"byPaymentChannel"`
	ReceivableAging  Aging                      `json:"receivableAging"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
}

// NewAnalytics returns an empty document with all maps allocated.
func NewAnalytics(key AnalyticsKey) AnalyticsDocument {
	return AnalyticsDocument{
		AnalyticsKey:     key,
		Daily:            map[string]Series{},
		Weekly:           map[string]Series{},
		Monthly:          map[string]Series{},
		ByCategory:       map[string]decimal.Decimal{},
		ByType:           map[string]decimal.Decimal{},
		ByPaymentChannel: map[string]decimal.Decimal{},
	}
}

func (d AnalyticsDocument) Clone() AnalyticsDocument {
	out := d
	out.Daily = cloneMap(d.Daily)
	out.Weekly = cloneMap(d.Weekly)
	out.Monthly = cloneMap(d.Monthly)
	out.ByCategory = cloneMap(d.ByCategory)
	out.ByType = cloneMap(d.ByType)
	out.ByPaymentChannel = cloneMap(d.ByPaymentChannel)
	return out
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
