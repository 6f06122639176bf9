package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-iot-poller/internal/device"
	"github.com/septivank/water-iot-poller/internal/mq"
	"github.com/septivank/water-iot-poller/internal/ondus"
	"go.uber.org/zap"
)

// ErrUnknownAppliance is returned for appliance IDs that discovery has not
// seen.
var ErrUnknownAppliance = errors.New("unknown appliance")

// API is the slice of the appliance client the service consumes.
type API interface {
	Locations(ctx context.Context) ([]ondus.Location, error)
	Rooms(ctx context.Context, locationID int) ([]ondus.Room, error)
	Appliances(ctx context.Context, locationID, roomID int) ([]ondus.Appliance, error)
	AggregatedData(ctx context.Context, ref ondus.ApplianceRef, q ondus.AggregateQuery) (*ondus.MeasurementData, error)
	ApplianceDetails(ctx context.Context, ref ondus.ApplianceRef) (*ondus.Appliance, error)
	CommandState(ctx context.Context, ref ondus.ApplianceRef) (*ondus.ApplianceCommand, error)
	SetValveOpen(ctx context.Context, ref ondus.ApplianceRef, applianceType int, open bool) (*ondus.ApplianceCommand, error)
	ApplianceNotifications(ctx context.Context, ref ondus.ApplianceRef) ([]ondus.Notification, error)
}

// EventPublisher fans processed readings out after a successful poll.
type EventPublisher interface {
	PublishReadingEvent(ctx context.Context, event mq.ReadingEvent, routingKey string) error
}

// Service is the host-facing surface: device discovery, per-appliance
// updates, measurement and consumption queries, and valve control. It owns
// one Reader per discovered appliance; different appliances poll fully
// independently.
type Service struct {
	api        API
	publisher  EventPublisher
	logger     *zap.Logger
	readerCfg  device.ReaderConfig
	routingKey string

	mu      sync.Mutex
	readers map[string]*device.Reader
}

// NewService creates the host-facing service. publisher may be nil when
// event fan-out is disabled.
func NewService(api API, publisher EventPublisher, logger *zap.Logger, readerCfg device.ReaderConfig, routingKey string) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		api:        api,
		publisher:  publisher,
		logger:     logger,
		readerCfg:  readerCfg,
		routingKey: routingKey,
		readers:    make(map[string]*device.Reader),
	}
}

// Discover walks locations, rooms and appliances and registers a reader for
// every appliance of a known class. It is safe to call repeatedly; existing
// readers (and their caches) are kept.
func (s *Service) Discover(ctx context.Context) ([]device.Device, error) {
	locations, err := s.api.Locations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing locations: %w", err)
	}

	var discovered []device.Device
	for _, location := range locations {
		rooms, err := s.api.Rooms(ctx, location.ID)
		if err != nil {
			return nil, fmt.Errorf("listing rooms of location %d: %w", location.ID, err)
		}
		for _, room := range rooms {
			appliances, err := s.api.Appliances(ctx, location.ID, room.ID)
			if err != nil {
				return nil, fmt.Errorf("listing appliances of room %d: %w", room.ID, err)
			}
			for _, app := range appliances {
				dev, ok := device.FromAppliance(location.ID, room.ID, app)
				if !ok {
					s.logger.Debug("skipping appliance of unhandled type",
						zap.String("appliance_id", app.ApplianceID),
						zap.Int("type", app.Type))
					continue
				}
				s.register(dev)
				discovered = append(discovered, dev)
				s.logger.Info("discovered appliance",
					zap.String("appliance_id", dev.Ref.ApplianceID),
					zap.String("name", dev.Name),
					zap.String("class", dev.Class.String()))
			}
		}
	}
	return discovered, nil
}

func (s *Service) register(dev device.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.readers[dev.Ref.ApplianceID]; !ok {
		s.readers[dev.Ref.ApplianceID] = device.NewReader(s.api, dev, s.logger, s.readerCfg)
	}
}

// ListDevices returns the discovered devices, ordered by appliance ID.
func (s *Service) ListDevices() []device.Device {
	s.mu.Lock()
	devices := make([]device.Device, 0, len(s.readers))
	for _, r := range s.readers {
		devices = append(devices, r.Device())
	}
	s.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Ref.ApplianceID < devices[j].Ref.ApplianceID
	})
	return devices
}

func (s *Service) reader(applianceID string) (*device.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.readers[applianceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAppliance, applianceID)
	}
	return r, nil
}

// Update refreshes one appliance's cache and, when the poll produced data,
// fans the normalized readings out as events. Publish failures are logged
// and do not fail the update.
func (s *Service) Update(ctx context.Context, applianceID string) error {
	r, err := s.reader(applianceID)
	if err != nil {
		return err
	}
	if err := r.Update(ctx); err != nil {
		return err
	}
	s.publishLatest(ctx, r)
	return nil
}

func (s *Service) publishLatest(ctx context.Context, r *device.Reader) {
	if s.publisher == nil {
		return
	}
	snap := r.Snapshot()
	if !snap.Fetched || len(snap.Measurements) == 0 {
		return
	}

	dev := r.Device()
	pollID := uuid.New().String()
	latest := snap.Measurements[0]
	for metric, value := range latest.Fields {
		event := mq.ReadingEvent{
			PollID:      pollID,
			ApplianceID: dev.Ref.ApplianceID,
			Class:       dev.Class.String(),
			Metric:      string(metric),
			Value:       value,
			SampledAt:   latest.Date.Format(time.RFC3339),
		}
		if err := s.publisher.PublishReadingEvent(ctx, event, s.routingKey); err != nil {
			s.logger.Error("failed to publish reading event",
				zap.Error(err),
				zap.String("appliance_id", dev.Ref.ApplianceID),
				zap.String("metric", string(metric)))
		}
	}
}

// LatestMeasurement answers from the appliance's cache without touching the
// network.
func (s *Service) LatestMeasurement(applianceID string, metric device.Metric) (device.Reading, error) {
	r, err := s.reader(applianceID)
	if err != nil {
		return device.Reading{}, err
	}
	return r.LatestMeasurement(metric), nil
}

// ConsumptionSince sums the appliance's water consumption from since onward.
func (s *Service) ConsumptionSince(applianceID string, since time.Time) (device.Reading, error) {
	r, err := s.reader(applianceID)
	if err != nil {
		return device.Reading{}, err
	}
	return r.ConsumptionSince(since), nil
}

// OpenValve opens a guard's shutoff valve and returns the valve state the
// server acknowledged.
func (s *Service) OpenValve(ctx context.Context, applianceID string) (bool, error) {
	return s.setValve(ctx, applianceID, true)
}

// CloseValve closes a guard's shutoff valve and returns the valve state the
// server acknowledged.
func (s *Service) CloseValve(ctx context.Context, applianceID string) (bool, error) {
	return s.setValve(ctx, applianceID, false)
}

func (s *Service) setValve(ctx context.Context, applianceID string, open bool) (bool, error) {
	r, err := s.reader(applianceID)
	if err != nil {
		return false, err
	}
	dev := r.Device()
	if dev.Class != device.ClassGuard {
		return false, fmt.Errorf("appliance %s is a %s, not a guard valve", applianceID, dev.Class)
	}

	resp, err := s.api.SetValveOpen(ctx, dev.Ref, dev.TypeCode, open)
	if err != nil {
		return false, err
	}
	// The echoed command state is authoritative; the vendor may refuse or
	// defer the requested change.
	if resp == nil || resp.Command == nil || resp.Command.ValveOpen == nil {
		return false, fmt.Errorf("valve command for %s was not acknowledged", applianceID)
	}
	if *resp.Command.ValveOpen != open {
		s.logger.Warn("server overrode requested valve state",
			zap.String("appliance_id", applianceID),
			zap.Bool("requested", open),
			zap.Bool("acknowledged", *resp.Command.ValveOpen))
	}
	return *resp.Command.ValveOpen, nil
}

// ValveState reads the current valve position from the command resource.
func (s *Service) ValveState(ctx context.Context, applianceID string) (bool, error) {
	r, err := s.reader(applianceID)
	if err != nil {
		return false, err
	}
	dev := r.Device()
	if dev.Class != device.ClassGuard {
		return false, fmt.Errorf("appliance %s is a %s, not a guard valve", applianceID, dev.Class)
	}

	resp, err := s.api.CommandState(ctx, dev.Ref)
	if err != nil {
		return false, err
	}
	if resp == nil || resp.Command == nil || resp.Command.ValveOpen == nil {
		return false, fmt.Errorf("command state for %s carried no valve position", applianceID)
	}
	return *resp.Command.ValveOpen, nil
}

// LatestNotification returns the text of the newest unread notification for
// the appliance, or a placeholder when there is none.
func (s *Service) LatestNotification(ctx context.Context, applianceID string) (string, error) {
	r, err := s.reader(applianceID)
	if err != nil {
		return "", err
	}

	notifications, err := s.api.ApplianceNotifications(ctx, r.Device().Ref)
	if err != nil {
		return "", err
	}
	sort.Slice(notifications, func(i, j int) bool {
		return notifications[i].Timestamp > notifications[j].Timestamp
	})
	for _, n := range notifications {
		if !n.IsRead {
			return n.Text, nil
		}
	}
	return "No notifications", nil
}

// UpdateAll refreshes every discovered appliance once. A failing appliance
// does not stop the sweep; the first error is reported after all readers ran.
func (s *Service) UpdateAll(ctx context.Context) error {
	var firstErr error
	for _, dev := range s.ListDevices() {
		if err := s.Update(ctx, dev.Ref.ApplianceID); err != nil {
			s.logger.Error("appliance update failed",
				zap.Error(err),
				zap.String("appliance_id", dev.Ref.ApplianceID))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
