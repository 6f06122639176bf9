package ondus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/septivank/water-iot-poller/tools/ondustime"
	"go.uber.org/zap"
)

// ApplianceRef is the immutable vendor-assigned identity of one appliance.
type ApplianceRef struct {
	LocationID  int
	RoomID      int
	ApplianceID string
}

func (r ApplianceRef) String() string {
	return fmt.Sprintf("%d/%d/%s", r.LocationID, r.RoomID, r.ApplianceID)
}

// AggregateQuery narrows a data/aggregated request. From and To are
// serialized at day granularity when DateOnly is set, since the upstream's
// withdrawal aggregation is date-bucketed while live-measurement aggregation
// is timestamp-bucketed.
type AggregateQuery struct {
	From     *time.Time
	To       *time.Time
	GroupBy  GroupBy
	DateOnly bool
}

// Client is a thin typed layer over the /v3/iot resources. Every call
// obtains its bearer token from the session; a 401 invalidates the token
// and is retried once with a fresh one. Non-2xx, non-401 responses and
// malformed payloads are absorbed into empty results so that a single bad
// appliance cannot crash a whole poll sweep; only auth failures propagate.
type Client struct {
	session *Session
	http    *http.Client
	apiURL  string
	logger  *zap.Logger
}

// NewClient creates an appliance client routed through session.
func NewClient(session *Session, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		session: session,
		http:    session.http,
		apiURL:  strings.TrimSuffix(session.baseURL, "/") + "/v3/iot",
		logger:  logger,
	}
}

// Dashboard fetches the dashboard overview, which bundles most per-appliance
// data into one response.
func (c *Client) Dashboard(ctx context.Context) (*Locations, error) {
	var out Locations
	ok, err := c.get(ctx, "/dashboard", &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

// Locations lists all installation sites of the account.
func (c *Client) Locations(ctx context.Context) ([]Location, error) {
	var out []Location
	if _, err := c.get(ctx, "/locations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Rooms lists the rooms of a location.
func (c *Client) Rooms(ctx context.Context, locationID int) ([]Room, error) {
	var out []Room
	if _, err := c.get(ctx, fmt.Sprintf("/locations/%d/rooms", locationID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Appliances lists the appliances of a room.
func (c *Client) Appliances(ctx context.Context, locationID, roomID int) ([]Appliance, error) {
	var out []Appliance
	if _, err := c.get(ctx, fmt.Sprintf("/locations/%d/rooms/%d/appliances", locationID, roomID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplianceInfo fetches the base information of an appliance.
func (c *Client) ApplianceInfo(ctx context.Context, ref ApplianceRef) (*Appliance, error) {
	var out Appliance
	ok, err := c.get(ctx, c.appliancePath(ref, ""), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

// ApplianceDetails fetches the detail view of an appliance, including the
// latest live reading for dispenser-class devices.
func (c *Client) ApplianceDetails(ctx context.Context, ref ApplianceRef) (*Appliance, error) {
	var out Appliance
	ok, err := c.get(ctx, c.appliancePath(ref, "/details"), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

// ApplianceStatus fetches the status entries of an appliance.
func (c *Client) ApplianceStatus(ctx context.Context, ref ApplianceRef) ([]Status, error) {
	var out []Status
	if _, err := c.get(ctx, c.appliancePath(ref, "/status"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CommandState fetches the current command state of an appliance, e.g. the
// valve position of a guard.
func (c *Client) CommandState(ctx context.Context, ref ApplianceRef) (*ApplianceCommand, error) {
	var out ApplianceCommand
	ok, err := c.get(ctx, c.appliancePath(ref, "/command"), &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

// SetValveOpen posts a valve command for the given appliance type code and
// returns the server-acknowledged command state. The echoed state, not the
// requested one, is authoritative: the vendor may apply valve changes
// asynchronously or refuse them.
func (c *Client) SetValveOpen(ctx context.Context, ref ApplianceRef, applianceType int, open bool) (*ApplianceCommand, error) {
	envelope := ApplianceCommand{
		Type:    applianceType,
		Command: &Command{ValveOpen: &open},
	}
	var out ApplianceCommand
	ok, err := c.post(ctx, c.appliancePath(ref, "/command"), &envelope, &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

// ApplianceNotifications fetches the notifications raised for an appliance.
func (c *Client) ApplianceNotifications(ctx context.Context, ref ApplianceRef) ([]Notification, error) {
	var out []Notification
	if _, err := c.get(ctx, c.appliancePath(ref, "/notifications"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProfileNotifications fetches the account-wide notifications.
func (c *Client) ProfileNotifications(ctx context.Context) ([]Notification, error) {
	var out []Notification
	if _, err := c.get(ctx, "/profile/notifications", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AggregatedData fetches the aggregated measurement and withdrawal series of
// an appliance for the given window.
func (c *Client) AggregatedData(ctx context.Context, ref ApplianceRef, q AggregateQuery) (*MeasurementData, error) {
	path := c.appliancePath(ref, "/data/aggregated")

	params := url.Values{}
	if q.From != nil {
		params.Set("from", ondustime.FormatQuery(*q.From, q.DateOnly))
	}
	if q.To != nil {
		params.Set("to", ondustime.FormatQuery(*q.To, q.DateOnly))
	}
	if q.GroupBy != "" {
		params.Set("groupBy", string(q.GroupBy))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out MeasurementData
	ok, err := c.get(ctx, path, &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

func (c *Client) appliancePath(ref ApplianceRef, suffix string) string {
	return fmt.Sprintf("/locations/%d/rooms/%d/appliances/%s%s", ref.LocationID, ref.RoomID, ref.ApplianceID, suffix)
}

func (c *Client) get(ctx context.Context, path string, out any) (bool, error) {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) (bool, error) {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// do performs one authorized request. It returns (false, nil) when the call
// yielded no usable data, so resource methods map that to an empty result.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encoding %s body: %w", path, err)
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.session.Authorize(ctx)
		if err != nil {
			return false, err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, bytes.NewReader(payload))
		if err != nil {
			return false, fmt.Errorf("building %s request: %w", path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			c.logger.Warn("request failed", zap.String("path", path), zap.Error(err))
			return false, nil
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				// Malformed payload is treated as absent data, not a crash.
				c.logger.Warn("malformed response payload",
					zap.String("path", path), zap.Error(err))
				return false, nil
			}
			return true, nil
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			c.session.Invalidate(token)
			if attempt == 1 {
				return false, &AuthError{
					Kind: AuthUnauthenticated,
					Err:  fmt.Errorf("request to %s rejected twice with status 401", path),
				}
			}
			c.logger.Debug("token rejected upstream, refreshing and retrying once", zap.String("path", path))
		default:
			resp.Body.Close()
			c.logger.Debug("request returned no data",
				zap.String("path", path), zap.Int("status", resp.StatusCode))
			return false, nil
		}
	}
	// Unreachable: the loop either returns or exhausts on the second 401.
	return false, nil
}
