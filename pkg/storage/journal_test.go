package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perplink/pkg/account"
	"github.com/uhyunpark/perplink/pkg/execution"
	"github.com/uhyunpark/perplink/pkg/market"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func result(at time.Time, state execution.State) execution.ExecutionResult {
	return execution.ExecutionResult{
		ExecutionID:   uuid.New(),
		ProductID:     2,
		Side:          market.Sell,
		Kind:          execution.KindLimit,
		State:         state,
		RequestedSize: decimal.RequireFromString("0.5"),
		FilledSize:    decimal.RequireFromString("0.5"),
		AveragePrice:  decimal.RequireFromString("100.05"),
		OrderIDs:      []string{"0xabc"},
		StartedAt:     at.Add(-time.Second),
		FinishedAt:    at,
	}
}

func TestExecutionsNewestFirst(t *testing.T) {
	j := openTest(t)
	base := time.Unix(1_700_000_000, 0)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		res := result(base.Add(time.Duration(i)*time.Second), execution.StateFilled)
		ids = append(ids, res.ExecutionID)
		if err := j.SaveExecution(res); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := j.ListExecutions(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ExecutionID != ids[2] || got[1].ExecutionID != ids[1] {
		t.Fatalf("got %+v", got)
	}
	if got[0].Side != market.Sell || !got[0].AveragePrice.Equal(decimal.RequireFromString("100.05")) {
		t.Errorf("round trip lost fields: %+v", got[0])
	}

	all, _ := j.ListExecutions(0)
	if len(all) != 3 {
		t.Errorf("all = %d", len(all))
	}

	one, ok, err := j.Execution(ids[0].String())
	if err != nil || !ok || !one.StartedAt.Equal(base.Add(-time.Second)) {
		t.Errorf("lookup = %+v %v %v", one, ok, err)
	}
	if _, ok, _ := j.Execution(uuid.NewString()); ok {
		t.Error("found an unknown execution")
	}
}

func TestAlertsAndFills(t *testing.T) {
	j := openTest(t)
	now := time.Unix(1_700_000_000, 0)

	alert := execution.Alert{
		ExecutionID: uuid.New(), ProductID: 2,
		Expected: decimal.NewFromInt(1), Observed: decimal.Zero,
		Source: "rest", Message: "position moved 0, fills account for 1", At: now,
	}
	if err := j.SaveAlert(alert); err != nil {
		t.Fatal(err)
	}
	alerts, err := j.ListAlerts(10)
	if err != nil || len(alerts) != 1 || alerts[0].ExecutionID != alert.ExecutionID {
		t.Fatalf("alerts = %+v %v", alerts, err)
	}

	for i, qty := range []string{"0.2", "0.2", "0.1"} {
		f := account.Fill{
			OrderID: "0xabc", ProductID: 2,
			Quantity: decimal.RequireFromString(qty), Price: decimal.NewFromInt(100),
			Timestamp: now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := j.SaveFill(f); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.SaveFill(account.Fill{OrderID: "0xabd", Timestamp: now}); err != nil {
		t.Fatal(err)
	}

	fills, err := j.FillsForOrder("0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 3 || fills[2].Quantity.String() != "0.1" {
		t.Fatalf("fills = %+v", fills)
	}
}

func TestKeyUpperBound(t *testing.T) {
	if got := string(keyUpperBound([]byte("exec:"))); got != "exec;" {
		t.Fatalf("got %q", got)
	}
}
