// Package store persists the agent's runtime settings: broker endpoint
// and credentials, IR pins, the authorized hub, and the debug and
// reboot-required flags. Every field is independently readable with a
// default applied when absent, and every mutation is written back to
// disk immediately.
package store

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Defaults applied when a field has never been persisted.
const (
	DefaultBrokerPort = 1883
	DefaultIrTxPin    = 4
	DefaultIrRxPin    = 34
)

// Settings field keys.
const (
	keyAgentUID   = "agent_uid"
	keyBrokerHost = "broker_host"
	keyBrokerPort = "broker_port"
	keyBrokerUser = "broker_user"
	keyBrokerPass = "broker_pass"
	keyIrTxPin    = "ir_tx_pin"
	keyIrRxPin    = "ir_rx_pin"
	keyHubID      = "pair_hub_id"
	keyDebug      = "debug"
	keyRebootReq  = "reboot_required"
)

// IsValidPin reports whether a pin number lies in the platform GPIO range.
func IsValidPin(pin int) bool {
	return pin >= 0 && pin <= 39
}

// Settings is the viper-backed settings file.
type Settings struct {
	v    *viper.Viper
	path string
}

// Open loads the settings file at path, creating an in-memory view with
// defaults if the file does not exist yet.
func Open(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault(keyBrokerPort, DefaultBrokerPort)
	v.SetDefault(keyIrTxPin, DefaultIrTxPin)
	v.SetDefault(keyIrRxPin, DefaultIrRxPin)
	v.SetDefault(keyDebug, false)
	v.SetDefault(keyRebootReq, false)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read settings %q: %w", path, err)
		}
		// No file yet: first boot, defaults apply.
	}
	return &Settings{v: v, path: path}, nil
}

func (s *Settings) flush() error {
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("persist settings %q: %w", s.path, err)
	}
	return nil
}

// EnsureAgentUID returns the persisted agent uid, generating and
// persisting one on first boot.
func (s *Settings) EnsureAgentUID() (string, error) {
	if uid := s.v.GetString(keyAgentUID); uid != "" {
		return uid, nil
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	uid := "ir-" + raw[:12]
	s.v.Set(keyAgentUID, uid)
	if err := s.flush(); err != nil {
		return "", err
	}
	return uid, nil
}

func (s *Settings) BrokerHost() string     { return s.v.GetString(keyBrokerHost) }
func (s *Settings) BrokerUsername() string { return s.v.GetString(keyBrokerUser) }
func (s *Settings) BrokerPassword() string { return s.v.GetString(keyBrokerPass) }

// BrokerPort falls back to the default when the persisted value is
// outside the valid TCP port range.
func (s *Settings) BrokerPort() int {
	port := s.v.GetInt(keyBrokerPort)
	if port < 1 || port > 65535 {
		return DefaultBrokerPort
	}
	return port
}

// SetBroker persists the transport endpoint and credentials.
func (s *Settings) SetBroker(host string, port int, username, password string) error {
	if port < 1 || port > 65535 {
		port = DefaultBrokerPort
	}
	s.v.Set(keyBrokerHost, strings.TrimSpace(host))
	s.v.Set(keyBrokerPort, port)
	s.v.Set(keyBrokerUser, strings.TrimSpace(username))
	s.v.Set(keyBrokerPass, password)
	return s.flush()
}

// IrTxPin falls back to the default when the persisted value is invalid.
func (s *Settings) IrTxPin() int {
	pin := s.v.GetInt(keyIrTxPin)
	if !IsValidPin(pin) {
		return DefaultIrTxPin
	}
	return pin
}

func (s *Settings) IrRxPin() int {
	pin := s.v.GetInt(keyIrRxPin)
	if !IsValidPin(pin) {
		return DefaultIrRxPin
	}
	return pin
}

// SetPins persists both IR pins. Callers validate range first; out of
// range values are rejected here as a last line of defense.
func (s *Settings) SetPins(txPin, rxPin int) error {
	if !IsValidPin(txPin) || !IsValidPin(rxPin) {
		return fmt.Errorf("pin out of range: tx=%d rx=%d", txPin, rxPin)
	}
	s.v.Set(keyIrTxPin, txPin)
	s.v.Set(keyIrRxPin, rxPin)
	return s.flush()
}

func (s *Settings) HubID() string { return s.v.GetString(keyHubID) }

// SetHubID persists the authorized hub; empty clears the pairing.
func (s *Settings) SetHubID(hubID string) error {
	s.v.Set(keyHubID, hubID)
	return s.flush()
}

func (s *Settings) Debug() bool { return s.v.GetBool(keyDebug) }

func (s *Settings) SetDebug(enabled bool) error {
	s.v.Set(keyDebug, enabled)
	return s.flush()
}

func (s *Settings) RebootRequired() bool { return s.v.GetBool(keyRebootReq) }

func (s *Settings) SetRebootRequired(required bool) error {
	s.v.Set(keyRebootReq, required)
	return s.flush()
}
