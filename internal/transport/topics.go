package transport

import "strings"

// Topic grammar. The hierarchy is rooted at the agent uid for
// agent-owned topics and at pairing/ for the handshake.
const (
	TopicPairingOpen    = "pairing/open"
	pairingAcceptPrefix = "pairing/accept/"
	pairingUnpairPrefix = "pairing/unpair/"
)

func TopicState(agentID string) string {
	return "agents/" + agentID + "/state"
}

func TopicStatus(agentID string) string {
	return "agents/" + agentID + "/status"
}

func TopicBase(agentID string) string {
	return "agents/" + agentID
}

// TopicCommandFilter is the subscription filter covering all commands.
func TopicCommandFilter(agentID string) string {
	return "agents/" + agentID + "/cmd/#"
}

// TopicAcceptFilter matches any pairing session targeting this agent.
func TopicAcceptFilter(agentID string) string {
	return pairingAcceptPrefix + "+/" + agentID
}

func TopicUnpair(agentID string) string {
	return pairingUnpairPrefix + agentID
}

func TopicUnpairAck(agentID string) string {
	return "pairing/unpair_ack/" + agentID
}

func TopicOffer(sessionID, agentID string) string {
	return "pairing/offer/" + sessionID + "/" + agentID
}

func TopicResponse(hubID, agentID, requestID string) string {
	return "hubs/" + hubID + "/agents/" + agentID + "/resp/" + requestID
}

// ParseCommandTopic extracts the command name from a cmd topic. The
// command may itself contain slashes (runtime/ota/start).
func ParseCommandTopic(topic, agentID string) (string, bool) {
	prefix := "agents/" + agentID + "/cmd/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	command := strings.TrimSpace(strings.TrimPrefix(topic, prefix))
	if command == "" {
		return "", false
	}
	return command, true
}

// ParseAcceptTopic extracts the session id from a pairing accept topic,
// rejecting topics addressed to a different agent.
func ParseAcceptTopic(topic, agentID string) (string, bool) {
	if !strings.HasPrefix(topic, pairingAcceptPrefix) {
		return "", false
	}
	lastSlash := strings.LastIndexByte(topic, '/')
	if lastSlash <= 0 {
		return "", false
	}
	if topic[lastSlash+1:] != agentID {
		return "", false
	}
	session := strings.TrimSpace(topic[len(pairingAcceptPrefix):lastSlash])
	if session == "" {
		return "", false
	}
	return session, true
}

// IsUnpairTopic reports whether topic is exactly this agent's unpair
// topic. Prefix matches are not enough: a retained unpair for another
// agent must never clear this one.
func IsUnpairTopic(topic, agentID string) bool {
	return topic == TopicUnpair(agentID)
}
