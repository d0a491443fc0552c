package gateway

import (
	"encoding/json"

	"github.com/amurg-ai/botgate/internal/session"
)

// Snapshot is the aggregate status document served at /status.
type Snapshot struct {
	Status                string                     `json:"status"`
	AgentServiceConnected bool                       `json:"agentServiceConnected"`
	ConnectedBots         int                        `json:"connectedBots"`
	ConnectedSDKs         int                        `json:"connectedSDKs"`
	ConnectedUIs          int                        `json:"connectedUIs"`
	Bots                  map[string]BotSummary      `json:"bots"`
	SDKs                  map[string]SDKSummary      `json:"sdks"`
	UIs                   map[string]OperatorSummary `json:"uis"`
}

// BotSummary describes one known bot. Tick, game and player are read from
// the bot's last state snapshot when it carries them.
type BotSummary struct {
	Connected bool    `json:"connected"`
	ClientID  string  `json:"clientId"`
	LastTick  float64 `json:"lastTick"`
	InGame    bool    `json:"inGame"`
	Player    *string `json:"player"`
}

type SDKSummary struct {
	TargetUsername string `json:"targetUsername"`
}

type OperatorSummary struct {
	Running bool    `json:"running"`
	Goal    *string `json:"goal"`
	Clients int     `json:"clients"`
}

// Snapshot returns the aggregate status of every session. Bot counts
// include known bots that are currently offline.
func (g *Gateway) Snapshot() Snapshot {
	connected := g.upstream.Connected()

	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Snapshot{
		Status:                "running",
		AgentServiceConnected: connected,
		ConnectedBots:         len(g.state.Bots),
		ConnectedSDKs:         len(g.state.Subscribers),
		ConnectedUIs:          len(g.state.Operators),
		Bots:                  make(map[string]BotSummary, len(g.state.Bots)),
		SDKs:                  make(map[string]SDKSummary, len(g.state.Subscribers)),
		UIs:                   make(map[string]OperatorSummary, len(g.state.Operators)),
	}
	for identity, b := range g.state.Bots {
		snap.Bots[identity] = summarizeBot(b)
	}
	for id, s := range g.state.Subscribers {
		snap.SDKs[id] = SDKSummary{TargetUsername: s.Target}
	}
	for identity, op := range g.state.Operators {
		sum := OperatorSummary{Running: op.Running, Clients: len(op.Conns)}
		if op.Goal != "" {
			goal := op.Goal
			sum.Goal = &goal
		}
		snap.UIs[identity] = sum
	}
	return snap
}

func summarizeBot(b *session.BotSession) BotSummary {
	sum := BotSummary{Connected: b.Live(), ClientID: b.ClientID}
	if len(b.LastState) == 0 {
		return sum
	}
	var st struct {
		Tick   float64 `json:"tick"`
		InGame bool    `json:"inGame"`
		Player *struct {
			Name *string `json:"name"`
		} `json:"player"`
	}
	// Best effort: fields of the wrong type are left zero.
	_ = json.Unmarshal(b.LastState, &st)
	sum.LastTick = st.Tick
	sum.InGame = st.InGame
	if st.Player != nil {
		sum.Player = st.Player.Name
	}
	return sum
}
