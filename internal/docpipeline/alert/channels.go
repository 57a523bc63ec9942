package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/docforge-backend/internal/clients/twilio"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
	"github.com/yungbote/docforge-backend/internal/platform/sendgrid"
)

// EmailDispatcher sends an aggregated dispatch through teacher's sendgrid.Client, reusing the
// same HTTP email client the rest of the backend uses for transactional mail rather than
// introducing a second mail library.
type EmailDispatcher struct {
	client sendgrid.Client
	from   sendgrid.EmailAddress
	log    *logger.Logger
}

func NewEmailDispatcher(client sendgrid.Client, from sendgrid.EmailAddress, baseLog *logger.Logger) *EmailDispatcher {
	return &EmailDispatcher{client: client, from: from, log: baseLog.With("component", "EmailAlertDispatcher")}
}

func (d *EmailDispatcher) Dispatch(ctx context.Context, channel ChannelHandle, dispatch Dispatch) error {
	if d == nil || d.client == nil || channel.To == "" {
		return nil
	}
	req := sendgrid.SendEmailRequest{
		From:    d.from,
		To:      []sendgrid.EmailAddress{{Email: channel.To}},
		Subject: fmt.Sprintf("[%s/%s] %d %s alerts", dispatch.Severity, dispatch.AlertType, dispatch.Count, dispatch.AlertType),
		Text:    renderBody(dispatch),
	}
	_, err := d.client.Send(ctx, req)
	return err
}

// SMSDispatcher sends a terse aggregated notification through teacher's twilio.Client, used for
// the "critical" severity channel where email latency is unacceptable.
type SMSDispatcher struct {
	client twilio.Client
	from   string
	log    *logger.Logger
}

func NewSMSDispatcher(client twilio.Client, from string, baseLog *logger.Logger) *SMSDispatcher {
	return &SMSDispatcher{client: client, from: from, log: baseLog.With("component", "SMSAlertDispatcher")}
}

func (d *SMSDispatcher) Dispatch(ctx context.Context, channel ChannelHandle, dispatch Dispatch) error {
	if d == nil || d.client == nil || channel.To == "" {
		return nil
	}
	body := fmt.Sprintf("%s: %d %s alerts in window %s-%s", dispatch.Severity, dispatch.Count,
		dispatch.AlertType, dispatch.WindowStart.Format("15:04"), dispatch.WindowEnd.Format("15:04"))
	_, err := d.client.SendMessage(ctx, twilio.SendMessageRequest{
		To:   channel.To,
		From: d.from,
		Body: body,
	})
	return err
}

// MultiDispatcher routes a Dispatch to the Dispatcher registered for its channel Kind, letting
// one AlertConfiguration fan a single aggregated event out across heterogeneous channels.
type MultiDispatcher struct {
	byKind map[string]Dispatcher
	log    *logger.Logger
}

func NewMultiDispatcher(baseLog *logger.Logger, byKind map[string]Dispatcher) *MultiDispatcher {
	return &MultiDispatcher{byKind: byKind, log: baseLog.With("component", "MultiAlertDispatcher")}
}

func (m *MultiDispatcher) Dispatch(ctx context.Context, channel ChannelHandle, dispatch Dispatch) error {
	if m == nil {
		return nil
	}
	d, ok := m.byKind[strings.ToLower(channel.Kind)]
	if !ok || d == nil {
		return fmt.Errorf("alert: no dispatcher registered for channel kind %q", channel.Kind)
	}
	return d.Dispatch(ctx, channel, dispatch)
}

func renderBody(dispatch Dispatch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d alerts of type %s (severity %s) between %s and %s.\n\n",
		dispatch.Count, dispatch.AlertType, dispatch.Severity,
		dispatch.WindowStart.Format("2006-01-02 15:04:05"), dispatch.WindowEnd.Format("2006-01-02 15:04:05"))
	for _, ex := range dispatch.Examples {
		fmt.Fprintf(&b, "- %s: %s\n", ex.Title, ex.Message)
	}
	return b.String()
}
