package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"ocpphub/internal/models"
	"ocpphub/internal/ocpp"
	"ocpphub/internal/repo"

	"github.com/google/uuid"
)

// Command types accepted by the control surface.
const (
	CommandReset               = "reset"
	CommandUnlock              = "unlock"
	CommandStart               = "start"
	CommandStop                = "stop"
	CommandGetConfiguration    = "get-configuration"
	CommandChangeConfiguration = "change-configuration"
)

type CommandParams struct {
	Hard          bool     `json:"hard,omitempty"`
	ConnectorID   int      `json:"connectorId,omitempty"`
	IDTag         string   `json:"idTag,omitempty"`
	TransactionID string   `json:"transactionId,omitempty"`
	Keys          []string `json:"keys,omitempty"`
	Key           string   `json:"key,omitempty"`
	Value         string   `json:"value,omitempty"`
}

type CommandRequest struct {
	ChargePointID  string
	Type           string
	IdempotencyKey string
	Params         CommandParams
}

type CommandResult struct {
	Result
	CommandID string          `json:"commandId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// CommandService sends control commands to connected charge points and
// keeps the command log.
type CommandService struct {
	Conns            Connections
	Commands         CommandStore
	Resolver         *Resolver
	DefaultChargeTag string
	Logger           *slog.Logger
}

// Execute sends one command. A repeated idempotency key returns the
// recorded outcome of the first attempt without contacting the device.
func (s *CommandService) Execute(ctx context.Context, req CommandRequest) (CommandResult, error) {
	if req.IdempotencyKey != "" {
		prev, err := s.Commands.GetByIdempotency(ctx, req.IdempotencyKey)
		if err != nil {
			return CommandResult{}, err
		}
		if prev != nil {
			return recorded(prev), nil
		}
	}

	conn, ok := s.Conns.Lookup(req.ChargePointID)
	if !ok || !conn.IsOpen() {
		return CommandResult{Result: failure(OutcomeOffline, ReasonOffline, "charge point is not connected")}, nil
	}
	call, res, err := s.build(ctx, conn, req)
	if err != nil || !res.OK() {
		return CommandResult{Result: res}, err
	}

	payload, _ := json.Marshal(req.Params)
	idem := req.IdempotencyKey
	if idem == "" {
		idem = uuid.NewString()
	}
	id, err := s.Commands.Create(ctx, models.Command{
		ChargePointId:  req.ChargePointID,
		Type:           req.Type,
		IdempotencyKey: idem,
		PayloadJSON:    payload,
		Status:         repo.CommandQueued,
	})
	if err != nil {
		return CommandResult{}, err
	}
	if id == "" {
		prev, err := s.Commands.GetByIdempotency(ctx, idem)
		if err != nil || prev == nil {
			return CommandResult{}, err
		}
		return recorded(prev), nil
	}
	log := s.logger().With("charge_point", req.ChargePointID, "command", id, "type", req.Type)

	if err := s.Commands.MarkSent(ctx, id); err != nil {
		return CommandResult{}, err
	}
	reply, err := conn.Send(ctx, call)
	if err != nil {
		log.Warn("command failed", "err", err)
		if merr := s.Commands.MarkFailed(ctx, id, err.Error()); merr != nil {
			return CommandResult{}, merr
		}
		out := CommandResult{CommandID: id, Result: failure(OutcomeRejected, "", err.Error())}
		if errors.Is(err, ocpp.ErrConnClosed) {
			out.Result = failure(OutcomeOffline, ReasonOffline, err.Error())
		}
		return out, nil
	}
	response, _ := json.Marshal(reply)
	if err := s.Commands.MarkAcked(ctx, id, response); err != nil {
		return CommandResult{}, err
	}
	log.Info("command acknowledged", "status", reply.Status)
	return CommandResult{Result: success(), CommandID: id, Status: reply.Status, Response: reply.Payload}, nil
}

func (s *CommandService) build(ctx context.Context, conn *ocpp.Conn, req CommandRequest) (ocpp.Request, Result, error) {
	proto := conn.Protocol()
	p := req.Params
	invalid := func(msg string) (ocpp.Request, Result, error) {
		return ocpp.Request{}, failure(OutcomeInvalid, "", msg), nil
	}
	switch req.Type {
	case CommandReset:
		return proto.Reset(p.Hard), success(), nil
	case CommandUnlock:
		if p.ConnectorID <= 0 {
			return invalid("connectorId is required")
		}
		return proto.Unlock(p.ConnectorID), success(), nil
	case CommandStart:
		if p.ConnectorID <= 0 {
			return invalid("connectorId is required")
		}
		if s.Resolver != nil {
			v, err := s.Resolver.Startability(ctx, req.ChargePointID, p.ConnectorID, "")
			if err != nil {
				return ocpp.Request{}, Result{}, err
			}
			if !v.Startable {
				return ocpp.Request{}, failure(OutcomeBusy, v.Reason, "connector is busy"), nil
			}
		}
		tag := p.IDTag
		if tag == "" {
			tag = s.DefaultChargeTag
		}
		return proto.RemoteStart(ocpp.RemoteStartRequest{ConnectorID: p.ConnectorID, IDTag: tag, RemoteStartID: LockID(uuid.NewString())}), success(), nil
	case CommandStop:
		if p.TransactionID == "" {
			return invalid("transactionId is required")
		}
		return proto.RemoteStop(p.TransactionID), success(), nil
	case CommandGetConfiguration:
		return proto.GetConfiguration(p.Keys), success(), nil
	case CommandChangeConfiguration:
		if p.Key == "" {
			return invalid("key is required")
		}
		return proto.ChangeConfiguration(p.Key, p.Value), success(), nil
	}
	return invalid("unknown command " + req.Type)
}

func recorded(c *models.Command) CommandResult {
	out := CommandResult{CommandID: c.CommandId}
	switch c.Status {
	case repo.CommandAcked:
		out.Result = success()
		var reply ocpp.Reply
		if json.Unmarshal(c.ResponseJSON, &reply) == nil {
			out.Status = reply.Status
			out.Response = reply.Payload
		}
	case repo.CommandFailed:
		msg := ""
		if c.Error != nil {
			msg = *c.Error
		}
		out.Result = failure(OutcomeRejected, "", msg)
	default:
		out.Result = success()
		out.Status = c.Status
	}
	return out
}

func (s *CommandService) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
