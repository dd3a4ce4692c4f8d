package payments

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var jsonFast = jsoniter.ConfigFastest

var (
	DefaultProcessor  string = "default"
	FallbackProcessor string = "fallback"
)

// Payment carries the client body verbatim. CorrelationID and Amount are
// best-effort projections and may be zero; the dispatch path never rejects
// a payment because of them.
type Payment struct {
	Body          []byte
	CorrelationID string
	Amount        decimal.Decimal
}

type projection struct {
	CorrelationID string      `json:"correlationId"`
	Amount        json.Number `json:"amount"`
}

// Parse copies the body and projects correlationId and amount out of it.
// Malformed bodies still produce a usable Payment.
func Parse(body []byte) *Payment {
	p := &Payment{Body: append([]byte(nil), body...)}

	var proj projection
	if err := jsonFast.Unmarshal(body, &proj); err != nil {
		return p
	}
	p.CorrelationID = proj.CorrelationID
	if proj.Amount != "" {
		if amount, err := decimal.NewFromString(proj.Amount.String()); err == nil {
			p.Amount = amount
		}
	}
	return p
}

// Stamp splices a requestedAt field into the raw JSON object without
// re-encoding the rest of the body. The input slice is never mutated, so
// a requeued payment gets a fresh stamp on its next dispatch.
func Stamp(body []byte, t time.Time) []byte {
	idx := bytes.LastIndexByte(body, '}')
	if idx == -1 {
		return append([]byte(nil), body...)
	}

	head := bytes.TrimRight(body[:idx], " \t\r\n")
	stamp := `"requestedAt":"` + t.UTC().Format(time.RFC3339Nano) + `"`

	out := make([]byte, 0, len(head)+len(stamp)+2)
	out = append(out, head...)
	if len(head) > 0 && head[len(head)-1] != '{' {
		out = append(out, ',')
	}
	out = append(out, stamp...)
	out = append(out, '}')
	return out
}

type SummaryData struct {
	Count int64   `json:"totalRequests"`
	Total float64 `json:"totalAmount"`
}

type PaymentsSummary struct {
	Default  SummaryData `json:"default"`
	Fallback SummaryData `json:"fallback"`
}

// FlexInt tolerates the processor reporting minResponseTime as an integer,
// a float, or a quoted number.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = FlexInt(v)
	return nil
}

type ServiceHealthPayload struct {
	Failing         bool    `json:"failing"`
	MinResponseTime FlexInt `json:"minResponseTime"`
}
