package api

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/matheus3301/mercury/internal/account"
	"github.com/matheus3301/mercury/internal/metrics"
)

type handlerFunc func(ctx context.Context, data map[string]any) (any, error)

// Dispatcher routes request envelopes to registered handlers and turns
// their results into response frames.
type Dispatcher struct {
	logger   *zap.Logger
	handlers map[string]handlerFunc
}

// NewDispatcher creates an empty dispatcher; services attach their
// handlers through Register.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[string]handlerFunc),
	}
}

func (d *Dispatcher) register(mtype string, h handlerFunc) {
	d.handlers[mtype] = h
}

// Handle processes one raw request frame and returns the marshalled
// response frame. It never returns nil: protocol violations become error
// responses, not dropped messages.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) []byte {
	id, mtype, data, err := parseEnvelope(raw)
	if err != nil {
		return d.fail(id, mtype, err)
	}
	h, ok := d.handlers[mtype]
	if !ok {
		return d.fail(id, mtype, clientErrorf("unknown message type: %s", mtype))
	}

	payload, err := h(ctx, data)
	if err != nil {
		return d.fail(id, mtype, err)
	}
	metrics.RequestsTotal.WithLabelValues(mtype, "ok").Inc()
	return d.marshal(Response{Type: "response", ID: id, Data: payload})
}

func (d *Dispatcher) fail(id *string, mtype string, err error) []byte {
	if mtype == "" {
		mtype = "invalid"
	}
	metrics.RequestsTotal.WithLabelValues(mtype, "error").Inc()

	msg := translateError(err)
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		d.logger.Debug("request rejected", zap.String("type", mtype), zap.String("error", msg))
	} else {
		d.logger.Warn("request failed", zap.String("type", mtype), zap.Error(err))
	}
	return d.marshal(Response{Type: "response", ID: id, Error: &msg})
}

func (d *Dispatcher) marshal(resp Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("marshal response", zap.Error(err))
		return []byte(`{"type":"response","id":null,"error":"unexpected error: response marshalling failed"}`)
	}
	return out
}

func notImplemented(op string) handlerFunc {
	return func(context.Context, map[string]any) (any, error) {
		return nil, clientErrorf("%s not yet implemented", op)
	}
}

// accountFromData resolves the aid field to a registered account.
func accountFromData(m *account.Manager, data map[string]any) (*account.Account, error) {
	aid, ok := data["aid"].(string)
	if !ok {
		return nil, clientErrorf("account ID missing or not a string")
	}
	a, ok := m.Get(aid)
	if !ok {
		return nil, clientErrorf("no account with ID: %s", aid)
	}
	return a, nil
}
