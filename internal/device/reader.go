package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/septivank/water-iot-poller/internal/ondus"
	"github.com/septivank/water-iot-poller/tools/ondustime"
	"go.uber.org/zap"
)

const (
	// defaultMinRefetch is how long a completed fetch keeps the cache fresh.
	defaultMinRefetch = 5 * time.Minute
	// defaultPollWindow is the trailing window of every aggregated-data
	// request; seven days catches late-arriving samples.
	defaultPollWindow = 7 * 24 * time.Hour
)

// ReadingState distinguishes "never fetched" from "fetched but this field
// is absent or not applicable".
type ReadingState int

const (
	ReadingUnavailable ReadingState = iota
	ReadingUnknown
	ReadingOK
)

// Reading is a measurement answer from the cache.
type Reading struct {
	State ReadingState
	Value float64
}

// Sample is one normalized measurement: only the fields applicable to the
// appliance class survive normalization.
type Sample struct {
	Date   time.Time
	Fields map[Metric]float64
}

// WithdrawalSample is one water-usage aggregate for a calendar day.
type WithdrawalSample struct {
	Date             time.Time
	WaterConsumption float64
	HotWaterShare    float64
	WaterCost        float64
	EnergyCost       float64
}

// Snapshot is a copy-out view of the cache.
type Snapshot struct {
	Measurements []Sample
	Withdrawals  []WithdrawalSample
	LastFetch    time.Time
	Fetched      bool
}

// AggregateFetcher is the slice of the appliance client the reader needs.
// ApplianceDetails serves dispenser-class devices, whose freshest reading is
// embedded in the details resource rather than the aggregation series.
type AggregateFetcher interface {
	AggregatedData(ctx context.Context, ref ondus.ApplianceRef, q ondus.AggregateQuery) (*ondus.MeasurementData, error)
	ApplianceDetails(ctx context.Context, ref ondus.ApplianceRef) (*ondus.Appliance, error)
}

// ReaderConfig tunes a reader; zero values select the defaults.
type ReaderConfig struct {
	MinRefetch time.Duration
	PollWindow time.Duration
}

// Reader answers measurement and consumption queries for one appliance while
// bounding upstream call frequency: concurrent updates share one in-flight
// fetch, and a fetch completed less than MinRefetch ago makes Update a no-op.
// The cache is mutated only inside the single-flight section and read out as
// snapshots, so no caller ever observes a partial replacement.
type Reader struct {
	api        AggregateFetcher
	device     Device
	logger     *zap.Logger
	minRefetch time.Duration
	pollWindow time.Duration
	now        func() time.Time

	mu           sync.Mutex
	fetching     chan struct{} // non-nil while a fetch is in flight
	measurements []Sample      // sorted descending by date
	withdrawals  []WithdrawalSample
	lastFetch    time.Time
	fetched      bool
}

// NewReader creates a reader for one appliance.
func NewReader(api AggregateFetcher, dev Device, logger *zap.Logger, cfg ReaderConfig) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reader{
		api:        api,
		device:     dev,
		logger:     logger.With(zap.String("appliance_id", dev.Ref.ApplianceID)),
		minRefetch: cfg.MinRefetch,
		pollWindow: cfg.PollWindow,
		now:        time.Now,
	}
	if r.minRefetch <= 0 {
		r.minRefetch = defaultMinRefetch
	}
	if r.pollWindow <= 0 {
		r.pollWindow = defaultPollWindow
	}
	return r
}

// Device returns the appliance this reader serves.
func (r *Reader) Device() Device {
	return r.device
}

// Update refreshes the cache from upstream. If a fetch is already in flight
// the caller waits for it instead of issuing a second one; if the last fetch
// completed recently the call is a no-op. The freshness check sits in the
// same critical section as the in-flight check so the two cannot race.
func (r *Reader) Update(ctx context.Context) error {
	r.mu.Lock()
	if ch := r.fetching; ch != nil {
		r.mu.Unlock()
		// Abandoning this wait leaves the fetch running for other waiters.
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	now := r.now()
	if !r.lastFetch.IsZero() && now.Sub(r.lastFetch) < r.minRefetch {
		sinceLast := now.Sub(r.lastFetch)
		r.mu.Unlock()
		r.logger.Debug("skipping fetch, cache still fresh", zap.Duration("since_last_fetch", sinceLast))
		return nil
	}
	ch := make(chan struct{})
	r.fetching = ch
	r.mu.Unlock()

	err := r.fetch(context.WithoutCancel(ctx))

	r.mu.Lock()
	r.fetching = nil
	r.mu.Unlock()
	close(ch)
	return err
}

func (r *Reader) fetch(ctx context.Context) error {
	from := r.now().Add(-r.pollWindow)
	resp, err := r.api.AggregatedData(ctx, r.device.Ref, ondus.AggregateQuery{
		From:     &from,
		GroupBy:  r.device.Class.DefaultGroupBy(),
		DateOnly: true,
	})
	if err != nil {
		return err
	}

	// A nil response means the call was absorbed (non-2xx, malformed
	// payload). Keep the last good data and throttle the next attempt.
	if resp == nil || resp.Data == nil {
		r.logger.Debug("aggregated fetch yielded no data")
		r.mu.Lock()
		r.lastFetch = r.now()
		r.mu.Unlock()
		return nil
	}

	measurements := r.normalizeMeasurements(resp.Data.Measurements)
	withdrawals := r.normalizeWithdrawals(resp.Data.Withdrawals)

	if r.device.Class == ClassBlueDispenser {
		if live := r.fetchLiveSample(ctx); live != nil {
			measurements = append(measurements, *live)
		}
	}

	sort.Slice(measurements, func(i, j int) bool {
		return measurements[i].Date.After(measurements[j].Date)
	})
	sort.Slice(withdrawals, func(i, j int) bool {
		return withdrawals[i].Date.After(withdrawals[j].Date)
	})

	r.mu.Lock()
	r.measurements = measurements
	r.withdrawals = withdrawals
	r.lastFetch = r.now()
	r.fetched = true
	r.mu.Unlock()

	r.logger.Debug("cache replaced",
		zap.Int("measurements", len(measurements)),
		zap.Int("withdrawals", len(withdrawals)),
	)
	return nil
}

// fetchLiveSample reads the dispenser's embedded live reading from the
// details resource. Failures are absorbed; the aggregated series still
// stands on its own.
func (r *Reader) fetchLiveSample(ctx context.Context) *Sample {
	details, err := r.api.ApplianceDetails(ctx, r.device.Ref)
	if err != nil {
		r.logger.Warn("failed to fetch appliance details", zap.Error(err))
		return nil
	}
	if details == nil || details.DataLatest == nil || details.DataLatest.Measurement == nil {
		return nil
	}
	live := details.DataLatest.Measurement
	date, err := ondustime.ParseSampleDate(live.Timestamp)
	if err != nil {
		r.logger.Warn("dropping live reading with bad timestamp",
			zap.String("timestamp", live.Timestamp), zap.Error(err))
		return nil
	}
	fields := make(map[Metric]float64)
	if live.Temperature != nil {
		fields[MetricTemperature] = *live.Temperature
	}
	if live.Humidity != nil {
		fields[MetricHumidity] = *live.Humidity
	}
	if len(fields) == 0 {
		return nil
	}
	return &Sample{Date: date, Fields: fields}
}

// normalizeMeasurements selects the class-applicable fields of each raw
// sample and parses its date. Samples with unparseable dates are dropped.
func (r *Reader) normalizeMeasurements(raw []ondus.Measurement) []Sample {
	samples := make([]Sample, 0, len(raw))
	for i := range raw {
		m := &raw[i]
		date, err := ondustime.ParseSampleDate(m.Date)
		if err != nil {
			r.logger.Warn("dropping measurement with bad date", zap.String("date", m.Date), zap.Error(err))
			continue
		}
		fields := make(map[Metric]float64)
		for _, metric := range r.device.Class.Metrics() {
			if v := r.device.Class.extract(m, metric); v != nil {
				fields[metric] = *v
			}
		}
		samples = append(samples, Sample{Date: date, Fields: fields})
	}
	return samples
}

func (r *Reader) normalizeWithdrawals(raw []ondus.Withdrawal) []WithdrawalSample {
	samples := make([]WithdrawalSample, 0, len(raw))
	for _, w := range raw {
		date, err := ondustime.ParseSampleDate(w.Date)
		if err != nil {
			r.logger.Warn("dropping withdrawal with bad date", zap.String("date", w.Date), zap.Error(err))
			continue
		}
		samples = append(samples, WithdrawalSample{
			Date:             date,
			WaterConsumption: w.WaterConsumption,
			HotWaterShare:    w.HotWaterShare,
			WaterCost:        w.WaterCost,
			EnergyCost:       w.EnergyCost,
		})
	}
	return samples
}

// LatestMeasurement returns the named field of the most recent sample.
// It reports unavailable when no fetch has ever succeeded, and unknown when
// the field is not applicable to the appliance class or absent from the
// latest sample.
func (r *Reader) LatestMeasurement(metric Metric) Reading {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.fetched {
		return Reading{State: ReadingUnavailable}
	}
	if !r.device.Class.Supports(metric) || len(r.measurements) == 0 {
		return Reading{State: ReadingUnknown}
	}
	v, ok := r.measurements[0].Fields[metric]
	if !ok {
		return Reading{State: ReadingUnknown}
	}
	return Reading{State: ReadingOK, Value: v}
}

// ConsumptionSince sums the water consumption of every withdrawal dated on
// or after since. An empty match set yields 0; a cache that has never been
// populated yields unavailable.
func (r *Reader) ConsumptionSince(since time.Time) Reading {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.fetched {
		return Reading{State: ReadingUnavailable}
	}
	// Data sets are small, a linear scan over the sorted series is fine.
	var total float64
	for _, w := range r.withdrawals {
		if ondustime.SameOrAfterDay(w.Date, since) {
			total += w.WaterConsumption
		}
	}
	return Reading{State: ReadingOK, Value: total}
}

// Snapshot copies the cache out for callers that need the full series.
func (r *Reader) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Measurements: make([]Sample, len(r.measurements)),
		Withdrawals:  make([]WithdrawalSample, len(r.withdrawals)),
		LastFetch:    r.lastFetch,
		Fetched:      r.fetched,
	}
	copy(snap.Measurements, r.measurements)
	copy(snap.Withdrawals, r.withdrawals)
	return snap
}
