package notify

import (
	"fmt"
	"strings"

	"github.com/septivank/power-token-tracker/internal/predictor"
)

const (
	Tag        = "power-balance"
	IconPath   = "/icon-192x192.png"
	BadgePath  = "/icon-96x96.png"
	ActionView = "view"
	ActionBuy  = "buy"

	MainView     = "/"
	BuyTokenView = "/buy-tokens"
)

// Action is a button offered on a notification
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Data travels with the notification to the click handler
type Data struct {
	MeterNumber string          `json:"meterNumber"`
	Balance     float64         `json:"balance"`
	Urgency     predictor.Level `json:"urgency"`
}

// Notification is a low-balance alert. Tag is stable so a new alert replaces the previous one.
type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon"`
	Badge   string   `json:"badge"`
	Vibrate []int    `json:"vibrate"`
	Tag     string   `json:"tag"`
	Actions []Action `json:"actions"`
	Data    Data     `json:"data"`
}

// Build creates the alert for a balance that entered level
func Build(meter string, level predictor.Level, balance float64) Notification {
	n := Notification{
		Icon:  IconPath,
		Badge: BadgePath,
		Tag:   Tag,
		Actions: []Action{
			{Action: ActionView, Title: "View Balance"},
			{Action: ActionBuy, Title: "Buy Units"},
		},
		Data: Data{
			MeterNumber: meter,
			Balance:     balance,
			Urgency:     level,
		},
	}

	if level == predictor.LevelCritical {
		n.Title = "Critical Low Power Balance"
		n.Body = fmt.Sprintf("Your power balance is %.2f kWh. Purchase more units immediately!", balance)
		n.Vibrate = []int{200, 100, 200, 100, 200}
	} else {
		n.Title = "Low Power Balance"
		n.Body = fmt.Sprintf("Your power balance is %.2f kWh. Consider purchasing more units soon.", balance)
		n.Vibrate = []int{200, 100, 200}
	}
	return n
}

// ResolveClick decides where a notification click leads. It returns the view to focus
// when one of openViews matches, otherwise the path to open with focus false.
func ResolveClick(action string, openViews []string) (target string, focus bool) {
	if action == ActionBuy {
		for _, v := range openViews {
			if strings.Contains(v, BuyTokenView) {
				return v, true
			}
		}
		return BuyTokenView, false
	}

	if len(openViews) > 0 {
		return openViews[0], true
	}
	return MainView, false
}
