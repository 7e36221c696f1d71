package bridge

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/nbcopilot/internal/notebook"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

// document processes one connection's messages against its notebook. All
// methods run on the connection's queue goroutine, which is also the only
// writer on the socket after the handshake.
type document struct {
	ws        *websocket.Conn
	nb        *notebook.Notebook
	completer Completer
	log       logrus.FieldLogger

	completionTimeout time.Duration
	writeTimeout      time.Duration
}

func (d *document) handle(ctx context.Context, msg wire.Message) {
	log := d.log.WithField("type", msg.MessageType())
	var err error
	switch m := msg.(type) {
	case *wire.SyncRequest:
		err = d.reply(ctx, wire.SyncResponse{Code: d.nb.FullCode()})
	case *wire.CellUpdate:
		if err = d.nb.UpdateCell(m.CellID, m.Content); err == nil {
			err = d.reply(ctx, wire.LSPUpdate{Code: d.nb.FullCode()})
		}
	case *wire.CellAdd:
		err = d.nb.AddCell(m.CellID, m.Content)
	case *wire.CellDelete:
		err = d.nb.DeleteCell(m.CellID)
	case *wire.ChangePath:
		err = d.reopen(ctx, func() { d.nb.SetPath(m.NewPath) })
	case *wire.SetLanguage:
		err = d.reopen(ctx, func() { d.nb.SetLanguage(m.Language) })
	case *wire.UpdateLSPVersion:
		d.nb.BumpVersion()
		err = d.completer.Update(ctx, d.nb.Snapshot())
	case *wire.GetCompletion:
		err = d.complete(ctx, m)
	default:
		log.Warn("ignoring unsupported message")
		return
	}
	if err != nil {
		log.WithError(err).Error("error processing message")
	}
}

// reopen closes the document on the completer, applies change, and opens it
// again, as the language server keys documents by URI and language.
func (d *document) reopen(ctx context.Context, change func()) error {
	if err := d.completer.Close(ctx, d.nb.URI()); err != nil {
		d.log.WithError(err).Warn("closing document")
	}
	change()
	return d.completer.Open(ctx, d.nb.Snapshot())
}

// complete always replies, with no items when the completer fails, so the
// client's request settles before its own timeout.
func (d *document) complete(ctx context.Context, m *wire.GetCompletion) error {
	cctx, cancel := context.WithTimeout(ctx, d.completionTimeout)
	defer cancel()

	line := d.nb.AbsoluteLine(m.CellID, m.Line)
	items, err := d.completer.Complete(cctx, d.nb.Snapshot(), line, m.Character)
	if err != nil {
		d.log.WithError(err).WithField("req_id", m.ReqID).Warn("completion failed")
		items = nil
	}
	if items == nil {
		items = []wire.CompletionItem{}
	}
	return d.reply(ctx, wire.Completion{ReqID: m.ReqID, Completions: items})
}

func (d *document) reply(ctx context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, d.writeTimeout)
	defer cancel()
	return d.ws.Write(wctx, websocket.MessageText, data)
}
