package device

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/septivank/water-iot-poller/internal/ondus"
	"github.com/septivank/water-iot-poller/tools/ondustime"
)

type fakeFetcher struct {
	calls   int32
	resp    *ondus.MeasurementData
	details *ondus.Appliance
	err     error
	release chan struct{} // when set, calls block until closed
}

func (f *fakeFetcher) AggregatedData(ctx context.Context, ref ondus.ApplianceRef, q ondus.AggregateQuery) (*ondus.MeasurementData, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.release != nil {
		<-f.release
	}
	return f.resp, f.err
}

func (f *fakeFetcher) ApplianceDetails(ctx context.Context, ref ondus.ApplianceRef) (*ondus.Appliance, error) {
	return f.details, nil
}

func guardDevice() Device {
	return Device{
		Ref:      ondus.ApplianceRef{LocationID: 1, RoomID: 2, ApplianceID: "guard-1"},
		Name:     "Basement Guard",
		TypeCode: TypeSenseGuard,
		Class:    ClassGuard,
	}
}

func detectorDevice() Device {
	return Device{
		Ref:      ondus.ApplianceRef{LocationID: 1, RoomID: 2, ApplianceID: "sense-1"},
		Name:     "Cellar Sense",
		TypeCode: TypeSense,
		Class:    ClassWaterDetector,
	}
}

func dataWithWithdrawals(withdrawals []ondus.Withdrawal) *ondus.MeasurementData {
	return &ondus.MeasurementData{
		ApplianceID: "guard-1",
		Type:        TypeSenseGuard,
		Data:        &ondus.AggregatedData{Withdrawals: withdrawals},
	}
}

func day(base time.Time, offset int) string {
	return base.AddDate(0, 0, offset).Format(ondustime.DateLayout)
}

func TestConsumptionSince_Windowing(t *testing.T) {
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.Local)

	fetcher := &fakeFetcher{resp: dataWithWithdrawals([]ondus.Withdrawal{
		{Date: day(base, -10), WaterConsumption: 3.0},
		{Date: day(base, -5), WaterConsumption: 2.0},
		{Date: day(base, -1), WaterConsumption: 1.0},
	})}
	r := NewReader(fetcher, guardDevice(), nil, ReaderConfig{})

	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	cases := []struct {
		offset   int
		expected float64
	}{
		{-6, 3.0},
		{-11, 6.0},
		{+1, 0.0},
	}
	for _, tc := range cases {
		got := r.ConsumptionSince(base.AddDate(0, 0, tc.offset))
		if got.State != ReadingOK {
			t.Errorf("ConsumptionSince(D%+d): expected OK state, got %v", tc.offset, got.State)
		}
		if got.Value != tc.expected {
			t.Errorf("ConsumptionSince(D%+d): expected %.1f, got %.1f", tc.offset, tc.expected, got.Value)
		}
	}
}

func TestConsumptionSince_UnavailableBeforeFirstFetch(t *testing.T) {
	r := NewReader(&fakeFetcher{}, guardDevice(), nil, ReaderConfig{})

	if got := r.ConsumptionSince(time.Now()); got.State != ReadingUnavailable {
		t.Errorf("Expected unavailable before first fetch, got %v", got.State)
	}
	if got := r.LatestMeasurement(MetricPressure); got.State != ReadingUnavailable {
		t.Errorf("Expected unavailable before first fetch, got %v", got.State)
	}
}

func TestUpdate_FreshnessThrottle(t *testing.T) {
	fetcher := &fakeFetcher{resp: dataWithWithdrawals(nil)}
	r := NewReader(fetcher, guardDevice(), nil, ReaderConfig{MinRefetch: 5 * time.Minute})

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Errorf("Expected 1 upstream call within refetch interval, got %d", got)
	}

	now = now.Add(4 * time.Minute)
	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 2 {
		t.Errorf("Expected 2 upstream calls after interval elapsed, got %d", got)
	}
}

func TestUpdate_SingleFlight(t *testing.T) {
	fetcher := &fakeFetcher{
		resp:    dataWithWithdrawals(nil),
		release: make(chan struct{}),
	}
	r := NewReader(fetcher, guardDevice(), nil, ReaderConfig{})

	const callers = 10
	var wg sync.WaitGroup
	started := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			if err := r.Update(context.Background()); err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	for i := 0; i < callers; i++ {
		<-started
	}
	// Let the waiters pile onto the in-flight fetch before releasing it
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Errorf("Expected a single in-flight fetch, got %d", got)
	}
}

func TestLatestMeasurement_FieldSelectionByClass(t *testing.T) {
	flow := 1.25
	pressure := 3.1
	tempGuard := 11.5
	temp := 19.0
	humidity := 55.0

	// Same raw payload for both classes: carries every field the upstream
	// could ever emit.
	raw := []ondus.Measurement{{
		Date:             "2026-08-28",
		FlowRate:         &flow,
		Pressure:         &pressure,
		Temperature:      &temp,
		TemperatureGuard: &tempGuard,
		Humidity:         &humidity,
	}}
	mkResp := func() *ondus.MeasurementData {
		return &ondus.MeasurementData{Data: &ondus.AggregatedData{Measurements: raw}}
	}

	detector := NewReader(&fakeFetcher{resp: mkResp()}, detectorDevice(), nil, ReaderConfig{})
	if err := detector.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := detector.LatestMeasurement(MetricFlowRate); got.State != ReadingUnknown {
		t.Errorf("Detector flow_rate: expected unknown (not applicable), got %v", got)
	}
	if got := detector.LatestMeasurement(MetricHumidity); got.State != ReadingOK || got.Value != humidity {
		t.Errorf("Detector humidity: expected %v, got %+v", humidity, got)
	}
	if got := detector.LatestMeasurement(MetricTemperature); got.State != ReadingOK || got.Value != temp {
		t.Errorf("Detector temperature: expected plain temperature %v, got %+v", temp, got)
	}

	guard := NewReader(&fakeFetcher{resp: mkResp()}, guardDevice(), nil, ReaderConfig{})
	if err := guard.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := guard.LatestMeasurement(MetricFlowRate); got.State != ReadingOK || got.Value != flow {
		t.Errorf("Guard flow_rate: expected %v, got %+v", flow, got)
	}
	if got := guard.LatestMeasurement(MetricTemperature); got.State != ReadingOK || got.Value != tempGuard {
		t.Errorf("Guard temperature: expected temperature_guard %v, got %+v", tempGuard, got)
	}
	if got := guard.LatestMeasurement(MetricHumidity); got.State != ReadingUnknown {
		t.Errorf("Guard humidity: expected unknown (not applicable), got %+v", got)
	}
}

func TestLatestMeasurement_AbsentFieldOnLatestSampleIsUnknown(t *testing.T) {
	pressure := 3.0
	resp := &ondus.MeasurementData{Data: &ondus.AggregatedData{Measurements: []ondus.Measurement{
		{Date: "2026-08-28", Pressure: &pressure},
	}}}

	r := NewReader(&fakeFetcher{resp: resp}, guardDevice(), nil, ReaderConfig{})
	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if got := r.LatestMeasurement(MetricFlowRate); got.State != ReadingUnknown {
		t.Errorf("Expected unknown for field absent on latest sample, got %+v", got)
	}
	if got := r.LatestMeasurement(MetricPressure); got.State != ReadingOK || got.Value != pressure {
		t.Errorf("Expected pressure %v, got %+v", pressure, got)
	}
}

func TestUpdate_SortsSeriesDescending(t *testing.T) {
	flowOld, flowNew := 0.5, 2.5
	resp := &ondus.MeasurementData{Data: &ondus.AggregatedData{
		Measurements: []ondus.Measurement{
			{Date: "2026-08-20", FlowRate: &flowOld},
			{Date: "2026-08-28", FlowRate: &flowNew},
			{Date: "2026-08-24", FlowRate: &flowOld},
		},
		Withdrawals: []ondus.Withdrawal{
			{Date: "2026-08-20", WaterConsumption: 1},
			{Date: "2026-08-28", WaterConsumption: 2},
		},
	}}

	r := NewReader(&fakeFetcher{resp: resp}, guardDevice(), nil, ReaderConfig{})
	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if got := r.LatestMeasurement(MetricFlowRate); got.Value != flowNew {
		t.Errorf("Expected latest flow rate %v after sort, got %+v", flowNew, got)
	}
	snap := r.Snapshot()
	if len(snap.Withdrawals) != 2 || !snap.Withdrawals[0].Date.After(snap.Withdrawals[1].Date) {
		t.Errorf("Expected withdrawals sorted descending, got %+v", snap.Withdrawals)
	}
}

func TestUpdate_DispenserMergesLiveReading(t *testing.T) {
	aggTemp := 8.0
	liveTemp := 6.5
	liveHumidity := 40.0
	fetcher := &fakeFetcher{
		resp: &ondus.MeasurementData{Data: &ondus.AggregatedData{Measurements: []ondus.Measurement{
			{Date: "2026-08-27", Temperature: &aggTemp},
		}}},
		details: &ondus.Appliance{DataLatest: &ondus.DataLatest{Measurement: &ondus.LatestMeasurement{
			Timestamp:   "2026-08-29T10:15:00Z",
			Temperature: &liveTemp,
			Humidity:    &liveHumidity,
		}}},
	}
	dispenser := Device{
		Ref:      ondus.ApplianceRef{LocationID: 1, RoomID: 2, ApplianceID: "blue-1"},
		TypeCode: TypeBlue,
		Class:    ClassBlueDispenser,
	}

	r := NewReader(fetcher, dispenser, nil, ReaderConfig{})
	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if got := r.LatestMeasurement(MetricTemperature); got.State != ReadingOK || got.Value != liveTemp {
		t.Errorf("Expected live reading to win as latest, got %+v", got)
	}
	if got := r.LatestMeasurement(MetricHumidity); got.State != ReadingOK || got.Value != liveHumidity {
		t.Errorf("Expected live humidity, got %+v", got)
	}
}

func TestUpdate_AbsorbedFetchKeepsLastGoodData(t *testing.T) {
	fetcher := &fakeFetcher{resp: dataWithWithdrawals([]ondus.Withdrawal{
		{Date: "2026-08-28", WaterConsumption: 4.0},
	})}
	r := NewReader(fetcher, guardDevice(), nil, ReaderConfig{MinRefetch: time.Minute})

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Upstream goes away: the absorbed failure surfaces as a nil response
	fetcher.resp = nil
	now = now.Add(2 * time.Minute)
	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got := r.ConsumptionSince(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if got.State != ReadingOK || got.Value != 4.0 {
		t.Errorf("Expected last good data to survive a failed fetch, got %+v", got)
	}
}
