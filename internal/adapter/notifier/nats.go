package notifier

import (
	"context"
	"encoding/json"

	nats "github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

// DefaultNATSSubject is where shared indicator events are published.
const DefaultNATSSubject = "intelcommons.v1.indicator.shared"

// Publisher is the subset of *nats.Conn the notifier needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSNotifier publishes shared indicators as JSON messages.
type NATSNotifier struct {
	pub     Publisher
	subject string
}

var _ ports.Notifier = (*NATSNotifier)(nil)

func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSNotifier{pub: pub, subject: subject}
}

// ConnectNATS dials the server with a client name.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return nc, nil
}

func (n *NATSNotifier) NotifyIndicatorShared(ctx context.Context, ind domain.SharedIndicator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ind)
	if err != nil {
		return errors.Wrap(err, "marshal shared indicator")
	}

	hdr := nats.Header{}
	hdr.Set("Content-Type", "application/json")
	hdr.Set("Ioc-Type", string(ind.IOCType))
	msg := &nats.Msg{Subject: n.subject, Data: data, Header: hdr}

	if err := n.pub.PublishMsg(msg); err != nil {
		return errors.Wrap(err, "publish shared indicator")
	}
	return nil
}
