package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/jkaberg/nova-driver/internal/transmission"
	"github.com/sirupsen/logrus"
)

// Command actions accepted on the command topic.
const (
	ActionActivate           = "activate"
	ActionCancel             = "cancel"
	ActionConfirmArrival     = "confirm_arrival"
	ActionCompleteFeedback   = "complete_feedback"
	ActionDismissPreferences = "dismiss_preferences"
	ActionVisibility         = "visibility"
	ActionDiscovery          = "discovery"
	ActionRedeem             = "redeem"
)

// Command is one driver action as received over MQTT.
type Command struct {
	Action          string `json:"action"`
	MerchantID      string `json:"merchant_id,omitempty"`
	MerchantName    string `json:"merchant_name,omitempty"`
	Visible         *bool  `json:"visible,omitempty"`
	Tier            string `json:"tier,omitempty"`
	IntentSessionID string `json:"intent_session_id,omitempty"`
	Amount          int    `json:"amount,omitempty"`
}

var errUnknownAction = errors.New("unknown action")

// HandleCommand decodes and executes one command, then reports the outcome
// on the sink. It never panics on bad input.
func (a *App) HandleCommand(ctx context.Context, payload []byte) transmission.Result {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		a.logger.WithError(err).Warn("app: malformed command")
		return a.report(transmission.Result{Action: "", Message: "malformed command"})
	}

	log := a.logger.WithFields(logrus.Fields{
		"action":      cmd.Action,
		"merchant_id": cmd.MerchantID,
	})
	log.Debug("app: command received")

	detail, err := a.execute(ctx, cmd)
	res := transmission.Result{Action: cmd.Action, OK: err == nil, Detail: detail}
	if err != nil {
		if errors.Is(err, errUnknownAction) {
			res.Message = err.Error()
		} else {
			res.Message = domain.UserMessage(err)
		}
		log.WithError(err).Info("app: command rejected")
	}
	return a.report(res)
}

func (a *App) execute(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Action {
	case ActionActivate:
		if cmd.MerchantID == "" {
			return nil, fmt.Errorf("activate: merchant_id is required")
		}
		return a.machine.Activate(ctx, domain.Merchant{ID: cmd.MerchantID, Name: cmd.MerchantName})
	case ActionCancel:
		return nil, a.machine.Cancel()
	case ActionConfirmArrival:
		return nil, a.machine.ConfirmArrival(ctx)
	case ActionCompleteFeedback:
		return nil, a.machine.CompleteFeedback()
	case ActionDismissPreferences:
		return nil, a.machine.DismissPreferences()
	case ActionVisibility:
		if cmd.Visible == nil {
			return nil, fmt.Errorf("visibility: visible is required")
		}
		a.sessions.SetVisible(*cmd.Visible)
		a.exclusive.SetVisible(*cmd.Visible)
		return nil, nil
	case ActionDiscovery:
		a.machine.SetDiscovery(cmd.Tier, cmd.IntentSessionID)
		return nil, nil
	case ActionRedeem:
		if a.redeemer == nil {
			return nil, fmt.Errorf("redeem: wallet unavailable")
		}
		return a.redeemer.Redeem(ctx, cmd.MerchantID, cmd.Amount)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownAction, cmd.Action)
	}
}

func (a *App) report(res transmission.Result) transmission.Result {
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
	if a.opts.Sink != nil {
		if err := a.opts.Sink.PublishResult(res); err != nil {
			a.logger.WithError(err).Debug("app: result publish failed")
		}
	}
	return res
}
