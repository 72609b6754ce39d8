package main

import (
	"sync"

	"github.com/stuartshay/arrival-worker/internal/alert"
	"github.com/stuartshay/arrival-worker/internal/bus"
	"github.com/stuartshay/arrival-worker/internal/tracking"
)

// deviceAlerters keeps one alert controller per device, so a device never plays two
// alerts at once. Devices reachable over the bus use the device bridge for every
// channel; FCM takes over notifications when the device registered a push token.
// Without a bus, tones go to the local PCM output.
type deviceAlerters struct {
	conn      bus.Conn
	local     alert.ToneSequencePlayer
	messaging alert.MessageSender
	opts      []alert.Option

	mu          sync.Mutex
	controllers map[string]deviceAlerter
}

type deviceAlerter struct {
	token      string
	controller *alert.Controller
}

func newDeviceAlerters(conn bus.Conn, local alert.ToneSequencePlayer, messaging alert.MessageSender, opts ...alert.Option) *deviceAlerters {
	return &deviceAlerters{
		conn:        conn,
		local:       local,
		messaging:   messaging,
		opts:        opts,
		controllers: make(map[string]deviceAlerter),
	}
}

// Alerter implements tracking.AlerterFactory. A device keeps its controller for
// the life of the process, since running sessions hold on to it; a new push token
// only replaces the controller's notifier. An empty token keeps the current one.
func (d *deviceAlerters) Alerter(deviceID, pushToken string) tracking.Alerter {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.controllers[deviceID]
	if ok {
		if pushToken != "" && pushToken != existing.token {
			existing.controller.SetNotifier(d.notifier(deviceID, pushToken))
			existing.token = pushToken
			d.controllers[deviceID] = existing
		}
		return existing.controller
	}

	var (
		player   alert.ToneSequencePlayer
		vibrator alert.Vibrator
	)
	if d.conn != nil {
		bridge := bus.NewDeviceBridge(d.conn, deviceID)
		player, vibrator = bridge, bridge
	} else if d.local != nil {
		player = d.local
	}

	ctl := alert.NewController(player, vibrator, d.notifier(deviceID, pushToken), d.opts...)
	d.controllers[deviceID] = deviceAlerter{token: pushToken, controller: ctl}
	return ctl
}

// notifier picks FCM when the device registered a token, else the device bridge
func (d *deviceAlerters) notifier(deviceID, pushToken string) alert.Notifier {
	if d.messaging != nil && pushToken != "" {
		return alert.NewFCMNotifier(d.messaging, pushToken)
	}
	if d.conn != nil {
		return bus.NewDeviceBridge(d.conn, deviceID)
	}
	return nil
}

// StopAll silences every device
func (d *deviceAlerters) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.controllers {
		a.controller.StopAll()
	}
}
