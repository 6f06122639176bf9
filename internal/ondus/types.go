package ondus

// Response shapes of the /v3/iot resources. Fields the upstream omits for
// some appliance classes are pointers so absence is distinguishable from a
// zero reading.

// Address is the postal address of a location.
type Address struct {
	Street      string `json:"street"`
	City        string `json:"city"`
	Zipcode     string `json:"zipcode"`
	Housenumber string `json:"housenumber"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	State       string `json:"state"`
}

// Location is a vendor-side installation site.
type Location struct {
	ID                int      `json:"id"`
	Name              string   `json:"name"`
	Type              int      `json:"type"`
	Role              string   `json:"role"`
	Timezone          string   `json:"timezone"`
	WaterCost         float64  `json:"water_cost"`
	EnergyCost        float64  `json:"energy_cost"`
	Currency          string   `json:"currency"`
	EmergencyShutdown bool     `json:"emergency_shutdown_enable"`
	Address           *Address `json:"address,omitempty"`
	Rooms             []Room   `json:"rooms,omitempty"`
}

// Locations is the dashboard envelope.
type Locations struct {
	Locations []Location `json:"locations"`
}

// Room groups appliances within a location.
type Room struct {
	ID         int         `json:"id"`
	Name       string      `json:"name"`
	Type       int         `json:"type"`
	RoomType   int         `json:"room_type"`
	Role       string      `json:"role"`
	Appliances []Appliance `json:"appliances,omitempty"`
}

// Threshold is an alerting threshold configured on an appliance.
type Threshold struct {
	Quantity string  `json:"quantity"`
	Type     string  `json:"type"`
	Value    float64 `json:"value"`
	Enabled  bool    `json:"enabled"`
}

// Status is one status entry of an appliance (battery, connection, ...).
type Status struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// Command is the vendor command state for a guard valve.
type Command struct {
	TempUserUnlockOn           *bool `json:"temp_user_unlock_on,omitempty"`
	ReasonForChange            *int  `json:"reason_for_change,omitempty"`
	PressureMeasurementRunning *bool `json:"pressure_measurement_running,omitempty"`
	BuzzerOn                   *bool `json:"buzzer_on,omitempty"`
	BuzzerSoundProfile         *int  `json:"buzzer_sound_profile,omitempty"`
	ValveOpen                  *bool `json:"valve_open,omitempty"`
	MeasureNow                 *bool `json:"measure_now,omitempty"`
}

// ApplianceCommand is the command endpoint envelope. The server echoes back
// the command state it actually applied, which is authoritative.
type ApplianceCommand struct {
	ApplianceID string   `json:"appliance_id"`
	Type        int      `json:"type"`
	Command     *Command `json:"command"`
	Timestamp   string   `json:"timestamp"`
}

// Notification is a vendor-raised alert for an appliance.
type Notification struct {
	ApplianceID string `json:"appliance_id"`
	ID          string `json:"id"`
	Category    int    `json:"category"`
	IsRead      bool   `json:"is_read"`
	Timestamp   string `json:"timestamp"`
	Type        int    `json:"type"`
	Text        string `json:"notification_text"`
}

// LatestMeasurement is the live reading embedded in appliance details.
type LatestMeasurement struct {
	Battery     *int     `json:"battery,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

// DataLatest carries the most recent reading of an appliance, available on
// the details resource for dispenser-class appliances.
type DataLatest struct {
	Measurement *LatestMeasurement `json:"measurement,omitempty"`
}

// PressureCurve is one point of a guard pressure measurement curve.
type PressureCurve struct {
	FlowRate float64 `json:"fr"`
	Pressure float64 `json:"pr"`
	Time     int     `json:"tp"`
}

// LastPressureMeasurement is the result of a guard pressure test.
type LastPressureMeasurement struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	StartTime      string          `json:"start_time"`
	Leakage        *bool           `json:"leakage,omitempty"`
	Level          *int            `json:"level,omitempty"`
	TotalDuration  *int            `json:"total_duration,omitempty"`
	DropOfPressure *float64        `json:"drop_of_pressure,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	PressureCurve  []PressureCurve `json:"pressure_curve,omitempty"`
}

// Appliance is one physical device as reported by the vendor.
type Appliance struct {
	ApplianceID             string                   `json:"appliance_id"`
	InstallationDate        string                   `json:"installation_date"`
	Name                    string                   `json:"name"`
	SerialNumber            string                   `json:"serial_number"`
	Type                    int                      `json:"type"`
	Version                 string                   `json:"version"`
	Timezone                int                      `json:"timezone"`
	Role                    string                   `json:"role"`
	RegistrationComplete    bool                     `json:"registration_complete"`
	Config                  *Threshold               `json:"config,omitempty"`
	SnoozeStatus            *string                  `json:"snooze_status,omitempty"`
	LastPressureMeasurement *LastPressureMeasurement `json:"last_pressure_measurement,omitempty"`
	Command                 *Command                 `json:"command,omitempty"`
	Notifications           []Notification           `json:"notifications,omitempty"`
	Status                  []Status                 `json:"status,omitempty"`
	DataLatest              *DataLatest              `json:"data_latest,omitempty"`
}

// Measurement is one sample of the aggregated measurement series. The shape
// is heterogeneous across appliance classes: detectors report temperature and
// humidity, guards report flow rate, pressure and temperature_guard.
type Measurement struct {
	Date             string   `json:"date"`
	FlowRate         *float64 `json:"flowrate,omitempty"`
	Pressure         *float64 `json:"pressure,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TemperatureGuard *float64 `json:"temperature_guard,omitempty"`
	Humidity         *float64 `json:"humidity,omitempty"`
}

// Withdrawal is one water-usage aggregate; its shape is uniform across
// appliance classes.
type Withdrawal struct {
	Date             string  `json:"date"`
	WaterConsumption float64 `json:"waterconsumption"`
	HotWaterShare    float64 `json:"hotwater_share"`
	WaterCost        float64 `json:"water_cost"`
	EnergyCost       float64 `json:"energy_cost"`
}

// AggregatedData is the payload of the data/aggregated resource.
type AggregatedData struct {
	GroupBy      string        `json:"group_by"`
	Measurements []Measurement `json:"measurement"`
	Withdrawals  []Withdrawal  `json:"withdrawals"`
}

// MeasurementData is the data/aggregated envelope.
type MeasurementData struct {
	ApplianceID string          `json:"appliance_id"`
	Type        int             `json:"type"`
	Data        *AggregatedData `json:"data,omitempty"`
}

// GroupBy is the aggregation bucket size of the data/aggregated resource.
type GroupBy string

const (
	GroupByHour  GroupBy = "hour"
	GroupByDay   GroupBy = "day"
	GroupByWeek  GroupBy = "week"
	GroupByMonth GroupBy = "month"
	GroupByYear  GroupBy = "year"
)
