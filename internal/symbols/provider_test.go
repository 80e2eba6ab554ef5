package symbols

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestIsTradeable(t *testing.T) {
	p := NewProvider([]string{"NQU25-CME", "ESU25-CME"}, zerolog.Nop())

	if !p.IsTradeable("NQU25-CME") {
		t.Error("expected NQU25-CME tradeable")
	}
	if p.IsTradeable("GCZ25-CME") {
		t.Error("GCZ25-CME should not be tradeable")
	}
	if p.IsTradeable("") {
		t.Error("empty symbol should not be tradeable")
	}
}

func TestTradeableSorted(t *testing.T) {
	p := NewProvider([]string{"ZZZ", "AAA", "MMM"}, zerolog.Nop())

	got := p.Tradeable()
	want := []string{"AAA", "MMM", "ZZZ"}
	if len(got) != len(want) {
		t.Fatalf("expected %d symbols, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestReplaceSwapsSet(t *testing.T) {
	p := NewProvider([]string{"OLD"}, zerolog.Nop())
	p.Replace([]string{"NEW"})

	if p.IsTradeable("OLD") {
		t.Error("replaced symbol still tradeable")
	}
	if !p.IsTradeable("NEW") {
		t.Error("new symbol not tradeable after replace")
	}
}

func TestRolloverAlerts(t *testing.T) {
	p := NewProvider([]string{"NQU25-CME"}, zerolog.Nop())
	p.SetRolloverAlerts([]RolloverAlert{
		{Symbol: "NQU25-CME", NextContract: "NQZ25-CME", RolloverDate: time.Now().AddDate(0, 0, 3), DaysRemaining: 3},
	})

	syms := p.RolloverSymbols()
	if len(syms) != 1 || syms[0] != "NQU25-CME" {
		t.Errorf("expected rollover symbol NQU25-CME, got %v", syms)
	}

	alerts := p.RolloverAlerts()
	if len(alerts) != 1 || alerts[0].NextContract != "NQZ25-CME" {
		t.Errorf("unexpected alerts: %v", alerts)
	}

	// Returned slice is a copy
	alerts[0].Symbol = "mutated"
	if p.RolloverAlerts()[0].Symbol != "NQU25-CME" {
		t.Error("alert mutation leaked into provider")
	}
}
