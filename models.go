package irblaster

import "time"

// Identity and protocol constants reported in pairing offers and state.
const (
	FirmwareVersion = "0.0.1"
	ProtocolVersion = "1"
	AgentType       = "ir-blaster"
)

// Identity describes this agent to hubs.
type Identity struct {
	AgentUID        string `json:"agent_uid"`
	AgentType       string `json:"agent_type"`
	SWVersion       string `json:"sw_version"`
	ProtocolVersion string `json:"protocol_version"`
}

// Capabilities reflects which IR hardware halves are present.
type Capabilities struct {
	CanSend  bool `json:"can_send"`
	CanLearn bool `json:"can_learn"`
}

// AgentState is the full retained state snapshot published to the hub
// and exposed over the diagnostics API.
type AgentState struct {
	PairingHubID    string   `json:"pairing_hub_id"`
	Debug           bool     `json:"debug"`
	AgentType       string   `json:"agent_type"`
	ProtocolVersion string   `json:"protocol_version"`
	SWVersion       string   `json:"sw_version"`
	CanSend         bool     `json:"can_send"`
	CanLearn        bool     `json:"can_learn"`
	OTASupported    bool     `json:"ota_supported"`
	RebootRequired  bool     `json:"reboot_required"`
	IrTxPin         int      `json:"ir_tx_pin"`
	IrRxPin         int      `json:"ir_rx_pin"`
	PowerMode       string   `json:"power_mode"` // active | eco
	RuntimeCommands []string `json:"runtime_commands"`
	UpdatedAt       string   `json:"updated_at"`
}

// Journal event types.
const (
	EventPaired   = "PAIRED"
	EventUnpaired = "UNPAIRED"
	EventCommand  = "COMMAND"
	EventOTA      = "OTA"
	EventReboot   = "REBOOT"
)

// AgentEvent is a single journal entry (the agent's flight recorder).
type AgentEvent struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Type        string    `json:"type"`        // PAIRED | UNPAIRED | COMMAND | OTA | REBOOT
	Description string    `json:"description"` // human-readable
	Metadata    any       `json:"metadata,omitempty"`
}
