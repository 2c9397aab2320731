package ocpp_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ocpphub/internal/ocpp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestV16Session(t *testing.T) {
	sink := newRecordingSink()
	ch := newCharger(t, ocpp.NewV16(sink), nil)
	ctx := context.Background()

	resp, err := ch.Send(ctx, "BootNotification", map[string]any{
		"chargePointVendor": "Alfen", "chargePointModel": "Eve", "firmwareVersion": "6.1",
	})
	require.NoError(t, err)
	var boot struct {
		Status   string `json:"status"`
		Interval int    `json:"interval"`
	}
	require.NoError(t, json.Unmarshal(resp, &boot))
	assert.Equal(t, "Accepted", boot.Status)
	assert.Positive(t, boot.Interval)

	require.NoError(t, ch.StatusNotification(ctx, 1, "Preparing"))
	live, ok := ch.Conn.ConnectorStatus(1)
	require.True(t, ok)
	assert.Equal(t, ocpp.StatusPreparing, live.Status)

	resp, err = ch.Send(ctx, "StartTransaction", map[string]any{
		"connectorId": 1, "idTag": "ABC123_x", "meterStart": 1500, "timestamp": "2026-01-02T10:00:00Z",
	})
	require.NoError(t, err)
	var start struct {
		TransactionID int64 `json:"transactionId"`
		IDTagInfo     struct {
			Status string `json:"status"`
		} `json:"idTagInfo"`
	}
	require.NoError(t, json.Unmarshal(resp, &start))
	assert.Equal(t, int64(101), start.TransactionID)
	assert.Equal(t, "Accepted", start.IDTagInfo.Status)

	_, err = ch.Send(ctx, "MeterValues", map[string]any{
		"connectorId": 1, "transactionId": 101,
		"meterValue": []any{map[string]any{
			"timestamp": "2026-01-02T10:05:00Z",
			"sampledValue": []any{
				map[string]any{"value": "230", "measurand": "Voltage"},
				map[string]any{"value": "2.5", "unit": "kWh", "measurand": "Energy.Active.Import.Register"},
			},
		}},
	})
	require.NoError(t, err)

	_, err = ch.Send(ctx, "StopTransaction", map[string]any{
		"transactionId": 101, "meterStop": 14000, "timestamp": "2026-01-02T11:00:00Z", "reason": "Local",
	})
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.boots, 1)
	assert.Equal(t, "Alfen", sink.boots[0].Vendor)
	require.Len(t, sink.starts, 1)
	assert.Equal(t, "ABC123_x", sink.starts[0].IDTag)
	assert.Equal(t, 1500.0, sink.starts[0].MeterStartWh)
	require.Len(t, sink.meters, 1)
	require.NotNil(t, sink.meters[0].EnergyWh)
	assert.InDelta(t, 2500.0, *sink.meters[0].EnergyWh, 0.001)
	assert.Equal(t, "101", sink.meters[0].DeviceTxID)
	require.Len(t, sink.stops, 1)
	assert.Equal(t, "101", sink.stops[0].DeviceTxID)
	assert.Equal(t, 14000.0, *sink.stops[0].MeterStopWh)
	assert.Equal(t, "Local", sink.stops[0].Reason)
}

func TestV201TransactionEvents(t *testing.T) {
	sink := newRecordingSink()
	ch := newCharger(t, ocpp.NewV201(sink), nil)
	ctx := context.Background()

	_, err := ch.Send(ctx, "StatusNotification", map[string]any{
		"timestamp": "2026-01-02T10:00:00Z", "connectorStatus": "Occupied", "evseId": 2, "connectorId": 1,
	})
	require.NoError(t, err)
	live, ok := ch.Conn.ConnectorStatus(2)
	require.True(t, ok)
	assert.Equal(t, ocpp.StatusOccupied, live.Status)

	resp, err := ch.Send(ctx, "TransactionEvent", map[string]any{
		"eventType": "Started", "timestamp": "2026-01-02T10:00:01Z", "triggerReason": "RemoteStart", "seqNo": 0,
		"transactionInfo": map[string]any{"transactionId": "tx-9"},
		"idToken":         map[string]any{"idToken": "WEBPAY", "type": "Central"},
		"evse":            map[string]any{"id": 2, "connectorId": 1},
		"meterValue": []any{map[string]any{
			"timestamp": "2026-01-02T10:00:01Z",
			"sampledValue": []any{map[string]any{
				"value": 1.25, "measurand": "Energy.Active.Import.Register",
				"unitOfMeasure": map[string]any{"unit": "kWh"},
			}},
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(resp), "idTokenInfo")

	_, err = ch.Send(ctx, "TransactionEvent", map[string]any{
		"eventType": "Updated", "timestamp": "2026-01-02T10:10:00Z", "triggerReason": "MeterValuePeriodic", "seqNo": 1,
		"transactionInfo": map[string]any{"transactionId": "tx-9"},
		"evse":            map[string]any{"id": 2},
		"meterValue": []any{map[string]any{
			"timestamp":    "2026-01-02T10:10:00Z",
			"sampledValue": []any{map[string]any{"value": 3000}},
		}},
	})
	require.NoError(t, err)

	_, err = ch.Send(ctx, "TransactionEvent", map[string]any{
		"eventType": "Ended", "timestamp": "2026-01-02T11:00:00Z", "triggerReason": "EVDeparted", "seqNo": 2,
		"transactionInfo": map[string]any{"transactionId": "tx-9", "stoppedReason": "EVDisconnected"},
		"evse":            map[string]any{"id": 2},
		"meterValue": []any{map[string]any{
			"timestamp":    "2026-01-02T11:00:00Z",
			"sampledValue": []any{map[string]any{"value": 9.5, "unitOfMeasure": map[string]any{"unit": "Wh", "multiplier": 3}}},
		}},
	})
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.starts, 1)
	assert.Equal(t, "tx-9", sink.starts[0].DeviceTxID)
	assert.Equal(t, 2, sink.starts[0].ConnectorID)
	assert.InDelta(t, 1250.0, sink.starts[0].MeterStartWh, 0.001)
	assert.True(t, time.Date(2026, 1, 2, 10, 0, 1, 0, time.UTC).Equal(sink.starts[0].Timestamp))
	require.Len(t, sink.meters, 1)
	assert.InDelta(t, 3000.0, *sink.meters[0].EnergyWh, 0.001)
	require.Len(t, sink.stops, 1)
	assert.InDelta(t, 9500.0, *sink.stops[0].MeterStopWh, 0.001)
	assert.Equal(t, "EVDisconnected", sink.stops[0].Reason)
}

func TestV201UnknownEventType(t *testing.T) {
	ch := newCharger(t, ocpp.NewV201(newRecordingSink()), nil)
	_, err := ch.Send(context.Background(), "TransactionEvent", map[string]any{"eventType": "Paused"})
	var ce *ocpp.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ocpp.ErrorPropertyConstraintViolation, ce.Code)
}

func TestRequestBuilders(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	v16 := ocpp.NewV16(nil)
	start := v16.RemoteStart(ocpp.RemoteStartRequest{ConnectorID: 2, IDTag: "WEBPAY", RemoteStartID: 7})
	assert.Equal(t, "RemoteStartTransaction", start.Action)
	assert.Equal(t, map[string]any{"connectorId": 2, "idTag": "WEBPAY"}, start.Payload)
	assert.Equal(t, map[string]any{"transactionId": int64(55)}, v16.RemoteStop("55").Payload)
	rn := v16.ReserveNow(ocpp.ReserveNowRequest{ReservationID: 9, ConnectorID: 2, IDTag: "WEBPAY", Expiry: expiry})
	assert.Equal(t, "2026-03-01T12:00:00Z", rn.Payload.(map[string]any)["expiryDate"])

	v201 := ocpp.NewV201(nil)
	start = v201.RemoteStart(ocpp.RemoteStartRequest{ConnectorID: 2, IDTag: "WEBPAY", RemoteStartID: 7})
	assert.Equal(t, "RequestStartTransaction", start.Action)
	b, err := json.Marshal(start.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"idToken":{"idToken":"WEBPAY","type":"Central"},"remoteStartId":7,"evseId":2}`, string(b))
	assert.Equal(t, "Immediate", v201.Reset(true).Payload.(map[string]any)["type"])
	assert.Equal(t, "OnIdle", v201.Reset(false).Payload.(map[string]any)["type"])

	set := v201.ChangeConfiguration("OCPPCommCtrlr.HeartbeatInterval", "120")
	assert.Equal(t, "SetVariables", set.Action)
	b, err = json.Marshal(set.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"setVariableData":[{"attributeValue":"120","component":{"name":"OCPPCommCtrlr"},"variable":{"name":"HeartbeatInterval"}}]}`, string(b))

	status := v201.ResultStatus("SetVariables", json.RawMessage(`{"setVariableResult":[{"attributeStatus":"RebootRequired"}]}`))
	assert.Equal(t, "RebootRequired", status)

	assert.Equal(t, ocpp.V21, ocpp.NewV21(nil).Version())
	assert.Equal(t, "RequestStartTransaction", ocpp.NewV21(nil).RemoteStart(ocpp.RemoteStartRequest{}).Action)
}
