package device

import (
	"github.com/septivank/water-iot-poller/internal/ondus"
)

// Vendor appliance type codes.
const (
	TypeSense      = 101 // battery powered water detector
	TypeSensePlus  = 102 // mains powered water detector
	TypeSenseGuard = 103 // shutoff guard installed on the water pipe
	TypeBlue       = 104 // filtered water dispenser
)

// Class is the tagged appliance variant. It decides which measurement
// fields of the heterogeneous upstream series apply to a device; everything
// else in a raw payload is ignored.
type Class int

const (
	ClassWaterDetector Class = iota
	ClassGuard
	ClassBlueDispenser
)

func (c Class) String() string {
	switch c {
	case ClassWaterDetector:
		return "water_detector"
	case ClassGuard:
		return "guard"
	case ClassBlueDispenser:
		return "blue_dispenser"
	default:
		return "unknown"
	}
}

// ClassForType maps a vendor type code to an appliance class.
func ClassForType(code int) (Class, bool) {
	switch code {
	case TypeSense, TypeSensePlus:
		return ClassWaterDetector, true
	case TypeSenseGuard:
		return ClassGuard, true
	case TypeBlue:
		return ClassBlueDispenser, true
	default:
		return 0, false
	}
}

// Metric names a normalized measurement field.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
	MetricFlowRate    Metric = "flow_rate"
	MetricPressure    Metric = "pressure"
)

var classMetrics = map[Class][]Metric{
	ClassWaterDetector: {MetricTemperature, MetricHumidity},
	ClassGuard:         {MetricFlowRate, MetricPressure, MetricTemperature},
	ClassBlueDispenser: {MetricTemperature, MetricHumidity},
}

// Metrics returns the measurement fields applicable to the class.
func (c Class) Metrics() []Metric {
	return classMetrics[c]
}

// Supports reports whether metric applies to the class.
func (c Class) Supports(metric Metric) bool {
	for _, m := range classMetrics[c] {
		if m == metric {
			return true
		}
	}
	return false
}

// DefaultGroupBy is the aggregation bucket the class polls with: detectors
// report slowly and aggregate by day, guards produce hourly buckets.
func (c Class) DefaultGroupBy() ondus.GroupBy {
	if c == ClassGuard {
		return ondus.GroupByHour
	}
	return ondus.GroupByDay
}

// extract pulls one metric out of a raw measurement sample. Guards report
// their temperature under temperature_guard; everything else maps directly.
func (c Class) extract(m *ondus.Measurement, metric Metric) *float64 {
	switch metric {
	case MetricTemperature:
		if c == ClassGuard {
			return m.TemperatureGuard
		}
		return m.Temperature
	case MetricHumidity:
		return m.Humidity
	case MetricFlowRate:
		return m.FlowRate
	case MetricPressure:
		return m.Pressure
	default:
		return nil
	}
}

// Device identifies one appliance together with the class-level knowledge
// needed to normalize its data.
type Device struct {
	Ref      ondus.ApplianceRef
	Name     string
	Serial   string
	Version  string
	TypeCode int
	Class    Class
}

// FromAppliance builds a Device from a discovered appliance. It returns
// false for appliance types this service does not handle.
func FromAppliance(locationID, roomID int, app ondus.Appliance) (Device, bool) {
	class, ok := ClassForType(app.Type)
	if !ok {
		return Device{}, false
	}
	return Device{
		Ref: ondus.ApplianceRef{
			LocationID:  locationID,
			RoomID:      roomID,
			ApplianceID: app.ApplianceID,
		},
		Name:     app.Name,
		Serial:   app.SerialNumber,
		Version:  app.Version,
		TypeCode: app.Type,
		Class:    class,
	}, true
}
