package connection

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/edgesync/iot-mirror/internal/models"
	"github.com/edgesync/iot-mirror/internal/rpc"
)

// readChunkSize is the socket read granularity. A document ending exactly on
// a chunk boundary is detected by validating the accumulated bytes.
const readChunkSize = 2048

// Receiver is the single reader. It reassembles wire documents from the
// socket and dispatches every request and reply in arrival order.
type Receiver struct {
	m      *Manager
	logger zerolog.Logger
}

func newReceiver(m *Manager, logger zerolog.Logger) *Receiver {
	return &Receiver{m: m, logger: logger}
}

func (r *Receiver) run(ctx context.Context) {
	r.logger.Info().Msg("Receiver worker started")
	for {
		if ctx.Err() != nil {
			r.logger.Info().Msg("Receiver worker stopped")
			return
		}
		if err := r.receiveOnce(); err != nil {
			if r.m.closing.Load() {
				r.logger.Info().Msg("Receiver worker stopped")
				return
			}
			r.logger.Error().Err(err).Msg("Receive failed")
			if err := r.m.Reconnect(); err != nil {
				r.logger.Info().Msg("Receiver worker stopped")
				return
			}
		}
	}
}

// receiveOnce reads one wire document and dispatches it. A malformed
// document is answered with an error ack and dropped without failing the
// connection.
func (r *Receiver) receiveOnce() error {
	doc, err := r.readDocument()
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	if doc[0] == '[' {
		var bulk []json.RawMessage
		if err := json.Unmarshal(doc, &bulk); err != nil {
			r.rejectMalformed(err)
			return nil
		}
		for _, raw := range bulk {
			r.handleOne(raw)
		}
		return nil
	}
	r.handleOne(doc)
	return nil
}

// readDocument accumulates fixed-size chunks until the bytes form a complete
// JSON document. A short chunk that still does not parse means the peer sent
// garbage; it is rejected and dropped.
func (r *Receiver) readDocument() ([]byte, error) {
	var doc []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.m.read(chunk)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.New("connection closed by peer")
		}
		doc = append(doc, chunk[:n]...)
		if json.Valid(doc) {
			return doc, nil
		}
		if n < readChunkSize {
			r.rejectMalformed(errors.New("incomplete json document"))
			return nil, nil
		}
	}
}

func (r *Receiver) rejectMalformed(err error) {
	r.logger.Error().Err(err).Msg("Failed to decode incoming message")
	r.m.enqueueError(json.RawMessage("null"), "failed to decode message")
}

func (r *Receiver) handleOne(raw json.RawMessage) {
	var env rpc.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.rejectMalformed(err)
		return
	}

	switch {
	case env.Method != "":
		r.handleRequest(&env)
	case env.Error != nil:
		r.logger.Error().
			Int("code", env.Error.Code).
			Str("message", env.Error.Message).
			Str("id", env.IDString()).
			Msg("Peer rejected request")
		r.m.table.Remove(env.IDString())
	case len(env.Result) > 0:
		r.handleResult(&env)
	default:
		r.logger.Warn().Msg("Message with no method, result or error received")
		r.m.enqueueError(env.ID, "unknown method")
	}
}

func (r *Receiver) handleRequest(env *rpc.Envelope) {
	if env.Params == nil {
		r.m.enqueueError(env.ID, "missing params")
		return
	}
	id := rpc.TrailingUUID(env.Params.URL)
	traceID := ""
	if env.Params.Meta != nil {
		traceID = env.Params.Meta.Trace
	}

	switch env.Method {
	case rpc.VerbPut:
		r.handlePut(env, id, traceID)
	case rpc.VerbGet:
		r.handleGet(env, id)
	case rpc.VerbDelete:
		if r.m.tree.RemoveByID(id) {
			r.m.enqueueSuccess(env.ID)
		} else {
			r.m.enqueueError(env.ID, "non-existing uuid provided")
		}
	default:
		r.logger.Warn().Str("method", env.Method).Msg("Unknown method received")
		r.m.enqueueError(env.ID, "unknown method")
	}
}

func (r *Receiver) handlePut(env *rpc.Envelope, id, traceID string) {
	var body rpc.IncomingData
	if len(env.Params.Data) > 0 {
		if err := json.Unmarshal(env.Params.Data, &body); err != nil {
			r.m.enqueueError(env.ID, "failed to decode message")
			return
		}
	}
	// The body meta addresses the target; the url is the fallback.
	if body.Meta.ID != "" {
		id = body.Meta.ID
	}

	switch entity := r.m.tree.FindByID(id).(type) {
	case *models.Value:
		if body.Period != "" {
			entity.SetPeriodFromString(body.Period)
		}
		if body.Delta != "" {
			entity.SetDeltaFromString(body.Delta)
		}
		r.m.enqueueSuccess(env.ID)
	case *models.State:
		if entity.Type != models.StateControl {
			r.m.enqueueError(env.ID, "report state cannot be set")
			return
		}
		value := entity.Value()
		data, err := value.ValidateData(body.Data)
		if err != nil {
			r.m.enqueueError(env.ID, err.Error())
			return
		}
		r.m.stashTrace(value.UUID, traceID)
		value.HandleControl(data, body.Timestamp)
		r.m.enqueueSuccess(env.ID)
	case nil:
		r.m.enqueueError(env.ID, "non-existing uuid provided")
	default:
		r.m.enqueueError(env.ID, "entity cannot be set")
	}
}

func (r *Receiver) handleGet(env *rpc.Envelope, id string) {
	state, ok := r.m.tree.FindByID(id).(*models.State)
	if !ok || state.Type != models.StateReport {
		r.m.enqueueError(env.ID, "non-existing uuid provided")
		return
	}
	r.m.enqueueSuccess(env.ID)

	value := state.Value()
	device := value.Device()
	r.m.EnqueueReport(device.Network().UUID, device.UUID, value.UUID, state.UUID,
		state.Data(), rpc.Timestamp())
	value.HandleRefresh()
}

// handleResult clears the correlation entry for an acknowledged request.
// A GET reply carries the remote control state, which is applied locally.
func (r *Receiver) handleResult(env *rpc.Envelope) {
	if len(env.Result) > 0 && env.Result[0] == '{' {
		var body rpc.ResultBody
		if err := json.Unmarshal(env.Result, &body); err == nil && body.Value != nil {
			if state, ok := r.m.tree.FindByID(body.Value.Meta.ID).(*models.State); ok {
				if state.Type == models.StateControl {
					state.Value().HandleControl(body.Value.Data, "")
				}
			}
		}
	}
	r.m.table.Remove(env.IDString())
}
