package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Cents
		wantErr bool
	}{
		{in: "59.98", want: 5998},
		{in: "10", want: 1000},
		{in: "0.1", want: 10},
		{in: "-5.00", want: -500},
		{in: "1.005", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("%q: expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestFromDecimalRoundsToNearestMinorUnit(t *testing.T) {
	if got := FromDecimal(decimal.RequireFromString("19.995")); got != 2000 {
		t.Fatalf("expected 2000, got %d", got)
	}
	if got := FromDecimal(decimal.RequireFromString("19.994")); got != 1999 {
		t.Fatalf("expected 1999, got %d", got)
	}
}

func TestSumHasNoFloatDrift(t *testing.T) {
	var total Cents
	for i := 0; i < 10; i++ {
		total += MustParse("0.10")
	}
	if total.String() != "1.00" {
		t.Fatalf("expected 1.00, got %s", total)
	}
}

func TestJSONRoundTripUsesStrings(t *testing.T) {
	b, err := json.Marshal(struct {
		Total Cents `json:"total"`
	}{Total: 6998})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"total":"69.98"}` {
		t.Fatalf("unexpected json %s", b)
	}

	var in struct {
		Amount Cents `json:"amount"`
	}
	if err := json.Unmarshal([]byte(`{"amount":12.5}`), &in); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if in.Amount != 1250 {
		t.Fatalf("expected 1250, got %d", in.Amount)
	}
}

func TestMulRate(t *testing.T) {
	if got := Cents(5998).MulRate(decimal.RequireFromString("0.08")); got != 480 {
		t.Fatalf("expected 480, got %d", got)
	}
}
