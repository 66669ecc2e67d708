package daemon

import (
	"fmt"
	"sort"

	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/telemetry"
	"github.com/msageha/knotify/internal/uds"
)

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CommandShutdown, func(req *uds.Request) *uds.Response {
		d.log.Info("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle(uds.CommandPress, d.handlePress)
	d.server.Handle(uds.CommandStatus, d.handleStatus)
	d.server.Handle(uds.CommandEvent, d.handleEvent)
	d.server.Handle(uds.CommandTelemetry, d.handleTelemetry)
}

func (d *Daemon) handlePress(req *uds.Request) *uds.Response {
	var params uds.PressParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.ActionID <= 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "action_id must be positive")
	}

	ev, err := d.pressEvent(params)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	}

	st := d.presses.Press(ev)
	return uds.SuccessResponse(uds.PressResult{ActionID: params.ActionID, Status: string(st)})
}

// pressEvent fills the payload from the catalog where the caller left it out.
// A missing status stays empty so the press handler reads the mirror under
// the action's lock.
func (d *Daemon) pressEvent(p uds.PressParams) (PressEvent, error) {
	ev := PressEvent{ActionID: p.ActionID}
	if p.Status != nil {
		ev.ObservedStatus = model.ParseStatus(*p.Status)
	}

	action, found := d.catalog.Find(p.ActionID)
	overrides := p.MessageText != nil || p.WebhookURL != nil || p.WebhookEnabled != nil
	if !found && !overrides {
		return ev, fmt.Errorf("action %d not found", p.ActionID)
	}

	ev.MessageText = action.Message
	ev.WebhookURL = action.URL
	ev.WebhookEnabled = action.Enabled
	if p.MessageText != nil {
		ev.MessageText = *p.MessageText
	}
	if p.WebhookURL != nil {
		ev.WebhookURL = *p.WebhookURL
		if p.WebhookEnabled == nil && !found {
			ev.WebhookEnabled = true
		}
	}
	if p.WebhookEnabled != nil {
		ev.WebhookEnabled = *p.WebhookEnabled
	}
	return ev, nil
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	var params uds.StatusParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	snapshot := d.mirror.Snapshot()
	seen := make(map[int]bool)
	var rows []uds.ActionStatus
	for _, a := range d.catalog.Actions() {
		seen[a.ID] = true
		rows = append(rows, uds.ActionStatus{ActionID: a.ID, Name: a.Name, Status: string(d.mirror.Get(a.ID))})
	}
	// Actions pressed with inline payloads are not in the catalog.
	var extra []int
	for id := range snapshot {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Ints(extra)
	for _, id := range extra {
		rows = append(rows, uds.ActionStatus{ActionID: id, Status: string(snapshot[id])})
	}

	if params.ActionID != 0 {
		for _, r := range rows {
			if r.ActionID == params.ActionID {
				return uds.SuccessResponse(uds.StatusResult{Actions: []uds.ActionStatus{r}})
			}
		}
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("action %d not found", params.ActionID))
	}
	return uds.SuccessResponse(uds.StatusResult{Actions: rows})
}

// handleEvent answers with the actions the event fires and delivers in the
// background.
func (d *Daemon) handleEvent(req *uds.Request) *uds.Response {
	var params uds.EventParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	eventType, ok := model.ParseEventType(params.Type)
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unknown event type %q", params.Type))
	}

	fired := d.webhooks.Triggered(eventType)
	if fired == nil {
		fired = []int{}
	}
	if len(fired) > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			delivered := d.webhooks.Broadcast(d.ctx, eventType)
			d.log.Infof("event=%s fired=%d delivered=%d", eventType, len(fired), len(delivered))
		}()
	}
	return uds.SuccessResponse(uds.EventResult{Fired: fired})
}

func (d *Daemon) handleTelemetry(req *uds.Request) *uds.Response {
	var params uds.TelemetryParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	var u telemetry.Update
	if (params.Lat == nil) != (params.Lng == nil) {
		return uds.ErrorResponse(uds.ErrCodeValidation, "lat and lng must be given together")
	}
	if params.Lat != nil {
		u.Location = &model.Coordinates{Lat: *params.Lat, Lng: *params.Lng}
	}
	if params.RemainingDistance != nil {
		if *params.RemainingDistance < 0 {
			return uds.ErrorResponse(uds.ErrCodeValidation, "remaining distance must not be negative")
		}
		u.RemainingDistance = params.RemainingDistance
	}
	if params.Units != nil {
		units := model.UnitSystem(*params.Units)
		if units != model.UnitsMetric && units != model.UnitsImperial {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("units must be metric|imperial, got %q", *params.Units))
		}
		u.Units = &units
	}

	d.telemetry.Apply(u)
	return uds.SuccessResponse(map[string]string{"status": "ok"})
}
