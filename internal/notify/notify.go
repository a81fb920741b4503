// Package notify implements the notification fan-out dispatcher (C16): every
// lifecycle event is sent to the always-available log receiver plus
// whatever named receivers the triggering app subscribes to, each
// independently, with one receiver's failure never blocking another's.
//
// Grounded on original_source/scotty/src/notification/notify.rs's
// get_notification_receiver_impl + join_all fan-out (resolve each
// subscribed receiver, run them concurrently, log individual failures
// without failing the call); made non-blocking to the caller the way
// pkg/cc/sse.go's Broadcast never lets one slow client stall the hub.
package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/factorialio/scotty/internal/lifecycle"
)

// Message is what a Receiver actually sends, derived from a lifecycle.Event.
type Message struct {
	Kind      string
	AppName   string
	Operation string
	Err       error
}

// Receiver delivers one Message to one external destination.
type Receiver interface {
	Send(ctx context.Context, msg Message) error
}

// Subscriptions resolves which named receivers (beyond the always-present
// log receiver) an app is subscribed to, backed by the app's persisted
// Settings.Notify list.
type Subscriptions interface {
	For(appName string) []string
}

// sendTimeout bounds how long a single receiver may take before its
// delivery is abandoned; it never blocks the FSM that triggered it.
const sendTimeout = 10 * time.Second

// Dispatcher implements lifecycle.Notifier, fanning an Event out to every
// receiver an app subscribes to.
type Dispatcher struct {
	log           logrus.FieldLogger
	receivers     map[string]Receiver
	subscriptions Subscriptions
}

// NewDispatcher creates a Dispatcher. receivers maps a configured name
// (e.g. "webhook:ops", "mattermost:release-channel") to the Receiver that
// delivers to it; a "log" entry is always added if not already present.
func NewDispatcher(log logrus.FieldLogger, receivers map[string]Receiver, subscriptions Subscriptions) *Dispatcher {
	all := make(map[string]Receiver, len(receivers)+1)
	for name, r := range receivers {
		all[name] = r
	}

	if _, ok := all["log"]; !ok {
		all["log"] = NewLogReceiver(log)
	}

	return &Dispatcher{
		log:           log.WithField("component", "notify"),
		receivers:     all,
		subscriptions: subscriptions,
	}
}

// Notify implements lifecycle.Notifier. It always includes the log
// receiver, plus every name the app is subscribed to via Subscriptions,
// deduplicated. Each delivery runs in its own goroutine so a slow or
// unreachable receiver never delays the FSM that fired the event.
func (d *Dispatcher) Notify(event lifecycle.Event) {
	msg := Message{
		Kind:      string(event.Kind),
		AppName:   event.AppName,
		Operation: event.Operation,
		Err:       event.Err,
	}

	for _, name := range d.targets(event.AppName) {
		receiver, ok := d.receivers[name]
		if !ok {
			continue
		}

		go d.deliver(name, receiver, msg)
	}
}

func (d *Dispatcher) targets(appName string) []string {
	seen := map[string]struct{}{"log": {}}
	names := []string{"log"}

	if d.subscriptions != nil {
		for _, name := range d.subscriptions.For(appName) {
			if _, ok := seen[name]; ok {
				continue
			}

			seen[name] = struct{}{}
			names = append(names, name)
		}
	}

	return names
}

func (d *Dispatcher) deliver(name string, receiver Receiver, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := receiver.Send(ctx, msg); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{"receiver": name, "app": msg.AppName}).Warn("notification delivery failed")
	}
}
