package ocpp

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

type v16 struct {
	sink EventSink
}

// NewV16 returns the OCPP 1.6J dispatcher.
func NewV16(sink EventSink) Dispatcher { return &v16{sink: sink} }

func (d *v16) Version() Version { return V16 }

type v16IdTagInfo struct {
	Status string `json:"status"`
}

type v16SampledValue struct {
	Value     string `json:"value"`
	Measurand string `json:"measurand,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Context   string `json:"context,omitempty"`
}

type v16MeterValue struct {
	Timestamp    string            `json:"timestamp"`
	SampledValue []v16SampledValue `json:"sampledValue"`
}

func (d *v16) Handle(ctx context.Context, c *Conn, action string, payload json.RawMessage) (any, error) {
	cp := c.Identity()
	switch action {
	case "BootNotification":
		var req struct {
			ChargePointVendor       string `json:"chargePointVendor"`
			ChargePointModel        string `json:"chargePointModel"`
			ChargePointSerialNumber string `json:"chargePointSerialNumber"`
			FirmwareVersion         string `json:"firmwareVersion"`
		}
		if err := decode(V16, payload, &req); err != nil {
			return nil, err
		}
		if err := d.sink.Boot(ctx, cp, V16, BootInfo{
			Vendor:          req.ChargePointVendor,
			Model:           req.ChargePointModel,
			SerialNumber:    req.ChargePointSerialNumber,
			FirmwareVersion: req.FirmwareVersion,
		}); err != nil {
			return nil, err
		}
		return map[string]any{"status": ResultAccepted, "currentTime": nowRFC3339(), "interval": heartbeatInterval}, nil

	case "Heartbeat":
		if err := d.sink.Heartbeat(ctx, cp, time.Now().UTC()); err != nil {
			return nil, err
		}
		return map[string]any{"currentTime": nowRFC3339()}, nil

	case "StatusNotification":
		var req struct {
			ConnectorID int    `json:"connectorId"`
			ErrorCode   string `json:"errorCode"`
			Status      string `json:"status"`
			Timestamp   string `json:"timestamp"`
		}
		if err := decode(V16, payload, &req); err != nil {
			return nil, err
		}
		ev := StatusEvent{
			ConnectorID: req.ConnectorID,
			Status:      ParseConnectorStatus(req.Status),
			RawStatus:   req.Status,
			ErrorCode:   req.ErrorCode,
			Timestamp:   parseTime(req.Timestamp),
		}
		c.SetConnectorStatus(ev.ConnectorID, ev.Status, ev.ErrorCode, ev.Timestamp)
		if err := d.sink.StatusChanged(ctx, cp, ev); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case "MeterValues":
		var req struct {
			ConnectorID   int             `json:"connectorId"`
			TransactionID *int64          `json:"transactionId"`
			MeterValue    []v16MeterValue `json:"meterValue"`
		}
		if err := decode(V16, payload, &req); err != nil {
			return nil, err
		}
		m := MeterReading{ConnectorID: req.ConnectorID, Timestamp: time.Now().UTC()}
		if req.TransactionID != nil {
			m.DeviceTxID = strconv.FormatInt(*req.TransactionID, 10)
		}
		for _, mv := range req.MeterValue {
			for _, sv := range mv.SampledValue {
				if sv.Measurand != "" && sv.Measurand != measurandEnergyRegister {
					continue
				}
				v, err := strconv.ParseFloat(sv.Value, 64)
				if err != nil {
					continue
				}
				wh := energyToWh(v, sv.Unit, 0)
				m.EnergyWh = &wh
				m.Timestamp = parseTime(mv.Timestamp)
			}
		}
		c.TouchMeter(req.ConnectorID, m.Timestamp)
		if err := d.sink.MeterValues(ctx, cp, m); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case "Authorize":
		return map[string]any{"idTagInfo": v16IdTagInfo{Status: ResultAccepted}}, nil

	case "StartTransaction":
		var req struct {
			ConnectorID   int    `json:"connectorId"`
			IDTag         string `json:"idTag"`
			MeterStart    int64  `json:"meterStart"`
			Timestamp     string `json:"timestamp"`
			ReservationID *int   `json:"reservationId"`
		}
		if err := decode(V16, payload, &req); err != nil {
			return nil, err
		}
		txID, err := d.sink.TransactionStarted(ctx, cp, TransactionStart{
			ConnectorID:   req.ConnectorID,
			IDTag:         req.IDTag,
			MeterStartWh:  float64(req.MeterStart),
			Timestamp:     parseTime(req.Timestamp),
			ReservationID: req.ReservationID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"transactionId": txID, "idTagInfo": v16IdTagInfo{Status: ResultAccepted}}, nil

	case "StopTransaction":
		var req struct {
			TransactionID int64  `json:"transactionId"`
			IDTag         string `json:"idTag"`
			MeterStop     int64  `json:"meterStop"`
			Timestamp     string `json:"timestamp"`
			Reason        string `json:"reason"`
		}
		if err := decode(V16, payload, &req); err != nil {
			return nil, err
		}
		stop := float64(req.MeterStop)
		if err := d.sink.TransactionStopped(ctx, cp, TransactionStop{
			DeviceTxID:  strconv.FormatInt(req.TransactionID, 10),
			IDTag:       req.IDTag,
			MeterStopWh: &stop,
			Timestamp:   parseTime(req.Timestamp),
			Reason:      req.Reason,
		}); err != nil {
			return nil, err
		}
		return map[string]any{"idTagInfo": v16IdTagInfo{Status: ResultAccepted}}, nil

	case "DataTransfer":
		return map[string]any{"status": "UnknownVendorId"}, nil

	case "DiagnosticsStatusNotification", "FirmwareStatusNotification":
		return struct{}{}, nil
	}
	return nil, NewCallError(ErrorNotImplemented, "action %q not implemented", action)
}

func (d *v16) RemoteStart(req RemoteStartRequest) Request {
	return Request{Action: "RemoteStartTransaction", Payload: map[string]any{
		"connectorId": req.ConnectorID,
		"idTag":       req.IDTag,
	}}
}

func (d *v16) RemoteStop(deviceTxID string) Request {
	id, _ := strconv.ParseInt(deviceTxID, 10, 64)
	return Request{Action: "RemoteStopTransaction", Payload: map[string]any{"transactionId": id}}
}

func (d *v16) Reset(hard bool) Request {
	typ := "Soft"
	if hard {
		typ = "Hard"
	}
	return Request{Action: "Reset", Payload: map[string]any{"type": typ}}
}

func (d *v16) Unlock(connectorID int) Request {
	return Request{Action: "UnlockConnector", Payload: map[string]any{"connectorId": connectorID}}
}

func (d *v16) GetConfiguration(keys []string) Request {
	payload := map[string]any{}
	if len(keys) > 0 {
		payload["key"] = keys
	}
	return Request{Action: "GetConfiguration", Payload: payload}
}

func (d *v16) ChangeConfiguration(key, value string) Request {
	return Request{Action: "ChangeConfiguration", Payload: map[string]any{"key": key, "value": value}}
}

func (d *v16) ReserveNow(req ReserveNowRequest) Request {
	return Request{Action: "ReserveNow", Payload: map[string]any{
		"connectorId":   req.ConnectorID,
		"expiryDate":    req.Expiry.UTC().Format(time.RFC3339),
		"idTag":         req.IDTag,
		"reservationId": req.ReservationID,
	}}
}

func (d *v16) CancelReservation(reservationID int) Request {
	return Request{Action: "CancelReservation", Payload: map[string]any{"reservationId": reservationID}}
}

func (d *v16) ResultStatus(action string, payload json.RawMessage) string {
	if action == "GetConfiguration" {
		return ResultAccepted
	}
	return statusField(payload)
}
