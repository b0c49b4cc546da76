package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgesync/iot-mirror/internal/rpc"
	"github.com/edgesync/iot-mirror/internal/status"
)

const (
	// maxBulkSize caps how many messages travel in one wire array.
	maxBulkSize = 10

	tracerURL = "https://tracer.iot.seluxit.com/trace?id=%s&parent=%s&name=%s&status=%s"
)

// Sender is the single writer. It drains the outgoing queue, batches
// messages into wire arrays and spills to the offline store when the
// connection is down.
type Sender struct {
	m      *Manager
	logger zerolog.Logger

	batch   []json.RawMessage
	pending []PendingMessage
}

func newSender(m *Manager, logger zerolog.Logger) *Sender {
	return &Sender{m: m, logger: logger}
}

func (s *Sender) run(ctx context.Context) {
	s.logger.Info().Msg("Sender worker started")
	for {
		select {
		case <-ctx.Done():
			s.flush()
			s.logger.Info().Msg("Sender worker stopped")
			return
		case msg := <-s.m.queue:
			s.handle(msg)
		}
	}
}

func (s *Sender) handle(msg OutMessage) {
	switch msg.Kind {
	case KindReconnect:
		s.sendReconnect()
		return
	case KindTrace:
		s.sendTrace(msg)
		return
	}

	raw, pending, err := s.encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Int("kind", int(msg.Kind)).Msg("Failed to encode outgoing message")
		return
	}
	s.batch = append(s.batch, raw)
	if pending != nil {
		s.pending = append(s.pending, *pending)
	}

	// Hold partial batches while replies are outstanding or more work is
	// queued; a full batch always goes out.
	if (len(s.m.queue) == 0 && s.m.table.IsEmpty()) || len(s.batch) >= maxBulkSize {
		s.flush()
	}
}

// encode turns a queue item into its wire form, returning the correlation
// entry for requests that expect an acknowledgment.
func (s *Sender) encode(msg OutMessage) (json.RawMessage, *PendingMessage, error) {
	var (
		req     *rpc.Request
		payload any
	)

	switch msg.Kind {
	case KindSuccess:
		payload = rpc.SuccessResponse(msg.RPCID)
	case KindError:
		payload = rpc.ErrorResponse(msg.RPCID, msg.Text)
	case KindReport:
		traceID := s.m.takeTrace(msg.ValueID)
		if traceID == "" && msg.TraceID != "" {
			traceID = msg.TraceID
		}
		if traceID == "" && s.m.opts.AutomaticTrace {
			traceID = uuid.New().String()
			s.m.enqueue(OutMessage{Kind: KindTrace, TraceID: traceID, Text: "report"})
		}
		req = s.m.builder.StateRequest(rpc.VerbPut, msg.Data, msg.Timestamp,
			msg.NetworkID, msg.DeviceID, msg.ValueID, msg.StateID, "Report", traceID)
		payload = req
	case KindControlGet:
		payload = s.m.builder.StateRequest(rpc.VerbGet, "", "",
			msg.NetworkID, msg.DeviceID, msg.ValueID, msg.StateID, "Control", "")
	case KindDelete:
		req = s.m.builder.DeleteRequest(msg.NetworkID, msg.DeviceID, msg.ValueID, msg.StateID, "")
		payload = req
	case KindStored:
		return msg.Raw, pendingFromRaw(msg.Raw), nil
	default:
		return nil, nil, fmt.Errorf("unknown message kind %d", msg.Kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	if req == nil {
		return raw, nil, nil
	}
	return raw, &PendingMessage{ID: req.ID, Verb: req.Method, Raw: raw}, nil
}

// pendingFromRaw recovers the correlation entry of a replayed message.
// Acks and GETs replay without one.
func pendingFromRaw(raw json.RawMessage) *PendingMessage {
	var head struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil
	}
	switch head.Method {
	case rpc.VerbPut, rpc.VerbPost, rpc.VerbDelete:
		return &PendingMessage{ID: head.ID, Verb: head.Method, Raw: raw}
	}
	return nil
}

// flush transmits the accumulated batch as one wire document, registering
// correlation entries just before the write. Without a connection the batch
// goes to the offline store instead.
func (s *Sender) flush() {
	if len(s.batch) == 0 {
		return
	}
	batch, pending := s.batch, s.pending
	s.batch, s.pending = nil, nil

	if !s.m.Connected() {
		if err := s.m.store.Add(batch); err != nil {
			s.logger.Error().Err(err).Msg("Failed to spill batch to offline store")
		}
		return
	}

	for _, p := range pending {
		p.EnqueuedAt = time.Now()
		s.m.table.Add(p)
	}

	if err := s.write(batch); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send batch")
		for _, p := range pending {
			s.m.table.Remove(p.ID)
		}
		if err := s.m.store.Add(batch); err != nil {
			s.logger.Error().Err(err).Msg("Failed to spill batch to offline store")
		}
		s.m.connected.Store(false)
		go s.m.Reconnect()
		return
	}
	s.logger.Debug().Int("messages", len(batch)).Msg("Batch sent")
}

func (s *Sender) write(batch []json.RawMessage) error {
	var doc []byte
	if len(batch) == 1 {
		doc = batch[0]
	} else {
		var err error
		doc, err = json.Marshal(batch)
		if err != nil {
			return err
		}
	}
	return s.m.write(doc)
}

// sendReconnect re-announces the network identity and retransmits every
// unacknowledged request, then resumes normal operation.
func (s *Sender) sendReconnect() {
	retransmit := s.m.table.Pending()

	req := s.m.builder.NetworkRequest(rpc.VerbPost, s.m.tree.UUID, s.m.tree.Name, "")
	raw, err := json.Marshal(req)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode network announce")
		return
	}
	s.m.table.Add(PendingMessage{ID: req.ID, Verb: req.Method, Raw: raw, EnqueuedAt: time.Now()})
	if err := s.m.write(raw); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send network announce")
		s.m.table.Remove(req.ID)
		s.m.connected.Store(false)
		go s.m.Reconnect()
		return
	}

	for len(retransmit) > 0 {
		n := len(retransmit)
		if n > maxBulkSize {
			n = maxBulkSize
		}
		chunk := make([]json.RawMessage, 0, n)
		for _, p := range retransmit[:n] {
			chunk = append(chunk, p.Raw)
		}
		retransmit = retransmit[n:]

		if err := s.write(chunk); err != nil {
			s.logger.Error().Err(err).Msg("Failed to retransmit pending messages")
			s.m.connected.Store(false)
			go s.m.Reconnect()
			return
		}
	}

	s.m.status.Set(status.Running)
}

// sendTrace notifies the external tracer, fire and forget.
func (s *Sender) sendTrace(msg OutMessage) {
	url := fmt.Sprintf(tracerURL, msg.TraceID, "", msg.Text, "pending")
	go func() {
		resp, err := http.Get(url)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Trace notification failed")
			return
		}
		resp.Body.Close()
	}()
}
