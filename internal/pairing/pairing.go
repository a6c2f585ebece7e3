// Package pairing implements the one-shot handshake binding this agent
// to a single hub. Invalid opens and accepts are dropped silently: no
// error, no response, so a prober learns nothing from timing or
// content. Only a successful accept or unpair changes state.
package pairing

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"irblaster"
	"irblaster/internal/logger"
	"irblaster/internal/transport"
)

// Settings is the persistence collaborator for the authorized hub slot.
type Settings interface {
	HubID() string
	SetHubID(hubID string) error
}

// Publisher is the outbound half of the transport.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
	PublishJSON(topic string, v any, retain bool) error
}

// Journal records pairing transitions; may be nil.
type Journal interface {
	Append(ctx context.Context, e irblaster.AgentEvent) error
}

type openPayload struct {
	SessionID string `json:"session_id"`
	Nonce     string `json:"nonce"`
	SWVersion string `json:"sw_version"`
}

type acceptPayload struct {
	SessionID string `json:"session_id"`
	Nonce     string `json:"nonce"`
	HubID     string `json:"hub_id"`
}

type unpairPayload struct {
	CommandID string `json:"command_id"`
}

type offerAnnouncement struct {
	SessionID       string `json:"session_id"`
	Nonce           string `json:"nonce"`
	AgentUID        string `json:"agent_uid"`
	ReadableName    string `json:"readable_name"`
	BaseTopic       string `json:"base_topic"`
	SWVersion       string `json:"sw_version"`
	CanSend         bool   `json:"can_send"`
	CanLearn        bool   `json:"can_learn"`
	AgentType       string `json:"agent_type"`
	ProtocolVersion string `json:"protocol_version"`
	OTASupported    bool   `json:"ota_supported"`
	OfferedAt       string `json:"offered_at"`
}

type unpairAck struct {
	AgentUID  string `json:"agent_uid"`
	CommandID string `json:"command_id"`
	AckedAt   string `json:"acked_at"`
}

// Service owns the authorized-hub slot and the transient pending
// session. All methods run on the agent's tick goroutine.
type Service struct {
	log      *logger.Logger
	settings Settings
	pub      Publisher
	journal  Journal
	ident    irblaster.Identity
	caps     func() irblaster.Capabilities
	stamp    func() string
	onChange func()

	hub            string
	pendingSession string
	pendingNonce   string
}

// New loads the persisted hub and returns the pairing service.
// onChange is invoked after any successful accept or unpair so the
// agent republishes full state.
func New(
	log *logger.Logger,
	settings Settings,
	pub Publisher,
	journal Journal,
	ident irblaster.Identity,
	caps func() irblaster.Capabilities,
	stamp func() string,
	onChange func(),
) *Service {
	return &Service{
		log:      log,
		settings: settings,
		pub:      pub,
		journal:  journal,
		ident:    ident,
		caps:     caps,
		stamp:    stamp,
		onChange: onChange,
		hub:      settings.HubID(),
	}
}

// Hub returns the authorized hub id, empty when unpaired.
func (s *Service) Hub() string { return s.hub }

// IsAuthorized reports whether hubID is the paired hub.
func (s *Service) IsAuthorized(hubID string) bool {
	return s.hub != "" && hubID == s.hub
}

// HandleOpen processes a pairing/open broadcast. While paired, or on any
// malformed input, the message is ignored without a trace on the wire.
func (s *Service) HandleOpen(payload []byte) {
	if s.hub != "" {
		return
	}
	var req openPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	if req.SessionID == "" || req.Nonce == "" {
		return
	}
	hubMajor := majorOf(req.SWVersion)
	agentMajor := majorOf(s.ident.SWVersion)
	if hubMajor >= 0 && agentMajor >= 0 && hubMajor != agentMajor {
		s.log.Debugw("pairing open dropped: major version mismatch",
			"hub_major", hubMajor, "agent_major", agentMajor)
		return
	}

	s.pendingSession = req.SessionID
	s.pendingNonce = req.Nonce
	s.publishOffer(req.SessionID, req.Nonce)
}

func (s *Service) publishOffer(sessionID, nonce string) {
	caps := s.caps()
	suffix := s.ident.AgentUID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	offer := offerAnnouncement{
		SessionID:       sessionID,
		Nonce:           nonce,
		AgentUID:        s.ident.AgentUID,
		ReadableName:    "IR Agent " + suffix,
		BaseTopic:       transport.TopicBase(s.ident.AgentUID),
		SWVersion:       s.ident.SWVersion,
		CanSend:         caps.CanSend,
		CanLearn:        caps.CanLearn,
		AgentType:       s.ident.AgentType,
		ProtocolVersion: s.ident.ProtocolVersion,
		OTASupported:    true,
		OfferedAt:       s.stamp(),
	}
	if err := s.pub.PublishJSON(transport.TopicOffer(sessionID, s.ident.AgentUID), offer, false); err != nil {
		s.log.Warnw("publish pairing offer failed", "err", err)
	}
}

// HandleAccept finalizes the handshake. The session id embedded in the
// topic, the payload session id and the pending session must all agree,
// and the nonce must match exactly. Anything else is silently dropped.
func (s *Service) HandleAccept(topic string, payload []byte) {
	if s.hub != "" {
		return
	}
	sessionFromTopic, ok := transport.ParseAcceptTopic(topic, s.ident.AgentUID)
	if !ok {
		return
	}
	var req acceptPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	if req.SessionID == "" || req.Nonce == "" || req.HubID == "" {
		return
	}
	if req.SessionID != sessionFromTopic {
		return
	}
	if s.pendingSession != req.SessionID || s.pendingNonce != req.Nonce {
		return
	}

	if err := s.settings.SetHubID(req.HubID); err != nil {
		s.log.Errorw("persist paired hub failed", "err", err)
		return
	}
	s.hub = req.HubID
	s.pendingSession = ""
	s.pendingNonce = ""
	s.record(irblaster.EventPaired, "paired with hub "+req.HubID, map[string]any{"hub_id": req.HubID})
	s.onChange()
}

// HandleUnpair clears the pairing. The topic must match exactly and the
// payload must carry a command id; the retained unpair command is then
// cleared at the broker so a reconnect does not replay it.
func (s *Service) HandleUnpair(topic string, payload []byte) {
	if !transport.IsUnpairTopic(topic, s.ident.AgentUID) {
		return
	}
	var req unpairPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	if req.CommandID == "" {
		return
	}

	previous := s.hub
	if err := s.settings.SetHubID(""); err != nil {
		s.log.Errorw("persist unpair failed", "err", err)
		return
	}
	s.hub = ""
	s.pendingSession = ""
	s.pendingNonce = ""
	s.record(irblaster.EventUnpaired, "unpaired from hub "+previous, map[string]any{"hub_id": previous})
	s.onChange()

	ack := unpairAck{
		AgentUID:  s.ident.AgentUID,
		CommandID: req.CommandID,
		AckedAt:   s.stamp(),
	}
	if err := s.pub.PublishJSON(transport.TopicUnpairAck(s.ident.AgentUID), ack, false); err != nil {
		s.log.Warnw("publish unpair ack failed", "err", err)
	}

	// Clear the retained unpair command to avoid stale replays.
	if err := s.pub.Publish(transport.TopicUnpair(s.ident.AgentUID), nil, true); err != nil {
		s.log.Warnw("clear retained unpair failed", "err", err)
	}
}

func (s *Service) record(eventType, description string, meta map[string]any) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.journal.Append(ctx, irblaster.AgentEvent{
		OccurredAt:  time.Now().UTC(),
		Type:        eventType,
		Description: description,
		Metadata:    meta,
	})
	if err != nil {
		s.log.Warnw("journal append failed", "type", eventType, "err", err)
	}
}

// majorOf extracts the major component of a dotted version. Returns -1
// when the version does not parse; a mismatch is only enforced when
// both sides report parsable majors.
func majorOf(version string) int {
	trimmed := strings.TrimSpace(version)
	if trimmed == "" {
		return -1
	}
	head, _, _ := strings.Cut(trimmed, ".")
	major, err := strconv.Atoi(head)
	if err != nil || major < 0 {
		return -1
	}
	return major
}
