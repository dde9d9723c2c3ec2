package mesh

import "encoding/json"

// Envelope is the common JSON wrapper inside every packet payload. The
// header has no target field, so directed packets carry the destination
// peer here; an empty To means true broadcast. The router reads only To
// and never looks at Data.
type Envelope struct {
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// WrapPayload builds the envelope bytes for a packet payload.
func WrapPayload(to string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{To: to, Data: raw})
}

// OpenEnvelope parses the envelope. A payload that is not valid envelope
// JSON is treated as broadcast with no data; the unreliable-medium rule
// applies and nothing here returns an error.
func OpenEnvelope(payload []byte) Envelope {
	var env Envelope
	if len(payload) == 0 {
		return env
	}
	_ = json.Unmarshal(payload, &env)
	return env
}

// Per-kind payload schemas. These are flat structures the application
// marshals into Envelope.Data; the codec and router never validate them.

type RideRequestPayload struct {
	RideLocalID string  `json:"ride_id"`
	PickupLat   float64 `json:"p_lat"`
	PickupLon   float64 `json:"p_lon"`
	DropoffLat  float64 `json:"d_lat"`
	DropoffLon  float64 `json:"d_lon"`
	PickupAddr  string  `json:"p_addr,omitempty"`
	DropoffAddr string  `json:"d_addr,omitempty"`
	Fare        float64 `json:"fare"`
	Currency    string  `json:"cur"`
	VehicleType string  `json:"veh,omitempty"`
}

type DriverAvailablePayload struct {
	VehicleType string  `json:"veh,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

type RideAcceptPayload struct {
	RideLocalID string  `json:"ride_id"`
	Fare        float64 `json:"fare"`
	Currency    string  `json:"cur"`
}

type RideDeclinePayload struct {
	RideLocalID string `json:"ride_id"`
	Reason      string `json:"reason,omitempty"`
}

type ChatPayload struct {
	RideLocalID  string `json:"ride_id"`
	MsgLocalID   string `json:"msg_id"`
	SenderRole   string `json:"role"`
	Content      string `json:"text"`
	SentAtMillis int64  `json:"at"`
}

type LocationPayload struct {
	RideLocalID string  `json:"ride_id,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

type RideStartPayload struct {
	RideLocalID string `json:"ride_id"`
}

type RideCompletePayload struct {
	RideLocalID string  `json:"ride_id"`
	FinalFare   float64 `json:"fare"`
	Currency    string  `json:"cur"`
	DistanceKm  float64 `json:"dist_km"`
	DurationSec int64   `json:"dur_s"`
}

type FareProposePayload struct {
	RideLocalID string  `json:"ride_id"`
	Fare        float64 `json:"fare"`
	Currency    string  `json:"cur"`
}

type FareAgreePayload struct {
	RideLocalID string  `json:"ride_id"`
	Fare        float64 `json:"fare"`
	Currency    string  `json:"cur"`
}

type RideCancelPayload struct {
	RideLocalID string `json:"ride_id"`
	Reason      string `json:"reason,omitempty"`
}
