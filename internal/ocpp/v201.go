package ocpp

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type v201 struct {
	sink    EventSink
	version Version
}

// NewV201 returns the OCPP 2.0.1 dispatcher. Every connector is addressed by
// its EVSE id; the connector id inside the EVSE is always 1.
func NewV201(sink EventSink) Dispatcher { return &v201{sink: sink, version: V201} }

func (d *v201) Version() Version { return d.version }

type v201IdToken struct {
	IDToken string `json:"idToken"`
	Type    string `json:"type"`
}

type v201UnitOfMeasure struct {
	Unit       string `json:"unit"`
	Multiplier int    `json:"multiplier"`
}

type v201SampledValue struct {
	Value         float64            `json:"value"`
	Measurand     string             `json:"measurand,omitempty"`
	Context       string             `json:"context,omitempty"`
	UnitOfMeasure *v201UnitOfMeasure `json:"unitOfMeasure,omitempty"`
}

type v201MeterValue struct {
	Timestamp    string             `json:"timestamp"`
	SampledValue []v201SampledValue `json:"sampledValue"`
}

type v201EVSE struct {
	ID          int `json:"id"`
	ConnectorID int `json:"connectorId,omitempty"`
}

// energyRegister returns the last energy register reading in mvs, in Wh.
func energyRegister(mvs []v201MeterValue) (*float64, time.Time) {
	var (
		out *float64
		at  time.Time
	)
	for _, mv := range mvs {
		for _, sv := range mv.SampledValue {
			if sv.Measurand != "" && sv.Measurand != measurandEnergyRegister {
				continue
			}
			unit, mult := "Wh", 0
			if sv.UnitOfMeasure != nil {
				if sv.UnitOfMeasure.Unit != "" {
					unit = sv.UnitOfMeasure.Unit
				}
				mult = sv.UnitOfMeasure.Multiplier
			}
			wh := energyToWh(sv.Value, unit, mult)
			out = &wh
			at = parseTime(mv.Timestamp)
		}
	}
	return out, at
}

func (d *v201) Handle(ctx context.Context, c *Conn, action string, payload json.RawMessage) (any, error) {
	cp := c.Identity()
	switch action {
	case "BootNotification":
		var req struct {
			ChargingStation struct {
				VendorName      string `json:"vendorName"`
				Model           string `json:"model"`
				SerialNumber    string `json:"serialNumber"`
				FirmwareVersion string `json:"firmwareVersion"`
			} `json:"chargingStation"`
			Reason string `json:"reason"`
		}
		if err := decode(d.version, payload, &req); err != nil {
			return nil, err
		}
		if err := d.sink.Boot(ctx, cp, d.version, BootInfo{
			Vendor:          req.ChargingStation.VendorName,
			Model:           req.ChargingStation.Model,
			SerialNumber:    req.ChargingStation.SerialNumber,
			FirmwareVersion: req.ChargingStation.FirmwareVersion,
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
			Timestamp       string `json:"timestamp"`
			ConnectorStatus string `json:"connectorStatus"`
			EvseID          int    `json:"evseId"`
			ConnectorID     int    `json:"connectorId"`
		}
		if err := decode(d.version, payload, &req); err != nil {
			return nil, err
		}
		ev := StatusEvent{
			ConnectorID: req.EvseID,
			Status:      ParseConnectorStatus(req.ConnectorStatus),
			RawStatus:   req.ConnectorStatus,
			Timestamp:   parseTime(req.Timestamp),
		}
		c.SetConnectorStatus(ev.ConnectorID, ev.Status, "", ev.Timestamp)
		if err := d.sink.StatusChanged(ctx, cp, ev); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case "MeterValues":
		var req struct {
			EvseID     int              `json:"evseId"`
			MeterValue []v201MeterValue `json:"meterValue"`
		}
		if err := decode(d.version, payload, &req); err != nil {
			return nil, err
		}
		wh, at := energyRegister(req.MeterValue)
		if at.IsZero() {
			at = time.Now().UTC()
		}
		c.TouchMeter(req.EvseID, at)
		if err := d.sink.MeterValues(ctx, cp, MeterReading{ConnectorID: req.EvseID, EnergyWh: wh, Timestamp: at}); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case "TransactionEvent":
		return d.transactionEvent(ctx, c, payload)

	case "Authorize":
		return map[string]any{"idTokenInfo": map[string]any{"status": ResultAccepted}}, nil

	case "DataTransfer":
		return map[string]any{"status": "UnknownVendorId"}, nil

	case "NotifyReport", "NotifyEvent", "SecurityEventNotification", "LogStatusNotification",
		"FirmwareStatusNotification", "NotifyMonitoringReport", "ReservationStatusUpdate":
		return struct{}{}, nil
	}
	return nil, NewCallError(ErrorNotImplemented, "action %q not implemented", action)
}

func (d *v201) transactionEvent(ctx context.Context, c *Conn, payload json.RawMessage) (any, error) {
	var req struct {
		EventType       string `json:"eventType"`
		Timestamp       string `json:"timestamp"`
		TriggerReason   string `json:"triggerReason"`
		TransactionInfo struct {
			TransactionID string `json:"transactionId"`
			StoppedReason string `json:"stoppedReason"`
		} `json:"transactionInfo"`
		IDToken       *v201IdToken     `json:"idToken"`
		EVSE          *v201EVSE        `json:"evse"`
		MeterValue    []v201MeterValue `json:"meterValue"`
		ReservationID *int             `json:"reservationId"`
	}
	if err := decode(d.version, payload, &req); err != nil {
		return nil, err
	}

	cp := c.Identity()
	at := parseTime(req.Timestamp)
	connectorID := 0
	if req.EVSE != nil {
		connectorID = req.EVSE.ID
	}
	tag := ""
	if req.IDToken != nil {
		tag = req.IDToken.IDToken
	}
	wh, _ := energyRegister(req.MeterValue)

	switch req.EventType {
	case "Started", "Updated":
		if req.EventType == "Updated" && tag == "" {
			if wh != nil {
				c.TouchMeter(connectorID, at)
				if err := d.sink.MeterValues(ctx, cp, MeterReading{
					ConnectorID: connectorID,
					DeviceTxID:  req.TransactionInfo.TransactionID,
					EnergyWh:    wh,
					Timestamp:   at,
				}); err != nil {
					return nil, err
				}
			}
			break
		}
		start := TransactionStart{
			ConnectorID:   connectorID,
			DeviceTxID:    req.TransactionInfo.TransactionID,
			IDTag:         tag,
			Timestamp:     at,
			ReservationID: req.ReservationID,
		}
		if wh != nil {
			start.MeterStartWh = *wh
		}
		if _, err := d.sink.TransactionStarted(ctx, cp, start); err != nil {
			return nil, err
		}
	case "Ended":
		if err := d.sink.TransactionStopped(ctx, cp, TransactionStop{
			ConnectorID: connectorID,
			DeviceTxID:  req.TransactionInfo.TransactionID,
			IDTag:       tag,
			MeterStopWh: wh,
			Timestamp:   at,
			Reason:      req.TransactionInfo.StoppedReason,
		}); err != nil {
			return nil, err
		}
	default:
		return nil, NewCallError(ErrorPropertyConstraintViolation, "unknown eventType %q", req.EventType)
	}

	if req.IDToken != nil {
		return map[string]any{"idTokenInfo": map[string]any{"status": ResultAccepted}}, nil
	}
	return struct{}{}, nil
}

func (d *v201) RemoteStart(req RemoteStartRequest) Request {
	return Request{Action: "RequestStartTransaction", Payload: map[string]any{
		"idToken":       v201IdToken{IDToken: req.IDTag, Type: "Central"},
		"remoteStartId": req.RemoteStartID,
		"evseId":        req.ConnectorID,
	}}
}

func (d *v201) RemoteStop(deviceTxID string) Request {
	return Request{Action: "RequestStopTransaction", Payload: map[string]any{"transactionId": deviceTxID}}
}

func (d *v201) Reset(hard bool) Request {
	typ := "OnIdle"
	if hard {
		typ = "Immediate"
	}
	return Request{Action: "Reset", Payload: map[string]any{"type": typ}}
}

func (d *v201) Unlock(connectorID int) Request {
	return Request{Action: "UnlockConnector", Payload: map[string]any{"evseId": connectorID, "connectorId": 1}}
}

// splitKey turns "Component.Variable" into its parts. A key without a dot
// names a variable of the generic controller component.
func splitKey(key string) (component, variable string) {
	if i := strings.LastIndex(key, "."); i > 0 {
		return key[:i], key[i+1:]
	}
	return "OCPPCommCtrlr", key
}

func (d *v201) GetConfiguration(keys []string) Request {
	vars := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		comp, v := splitKey(k)
		vars = append(vars, map[string]any{
			"component": map[string]any{"name": comp},
			"variable":  map[string]any{"name": v},
		})
	}
	return Request{Action: "GetVariables", Payload: map[string]any{"getVariableData": vars}}
}

func (d *v201) ChangeConfiguration(key, value string) Request {
	comp, v := splitKey(key)
	return Request{Action: "SetVariables", Payload: map[string]any{"setVariableData": []map[string]any{{
		"attributeValue": value,
		"component":      map[string]any{"name": comp},
		"variable":       map[string]any{"name": v},
	}}}}
}

func (d *v201) ReserveNow(req ReserveNowRequest) Request {
	return Request{Action: "ReserveNow", Payload: map[string]any{
		"id":             req.ReservationID,
		"expiryDateTime": req.Expiry.UTC().Format(time.RFC3339),
		"idToken":        v201IdToken{IDToken: req.IDTag, Type: "Central"},
		"evseId":         req.ConnectorID,
	}}
}

func (d *v201) CancelReservation(reservationID int) Request {
	return Request{Action: "CancelReservation", Payload: map[string]any{"reservationId": reservationID}}
}

func (d *v201) ResultStatus(action string, payload json.RawMessage) string {
	switch action {
	case "GetVariables":
		return ResultAccepted
	case "SetVariables":
		var body struct {
			SetVariableResult []struct {
				AttributeStatus string `json:"attributeStatus"`
			} `json:"setVariableResult"`
		}
		_ = json.Unmarshal(payload, &body)
		if len(body.SetVariableResult) == 0 {
			return ""
		}
		return body.SetVariableResult[0].AttributeStatus
	}
	return statusField(payload)
}
