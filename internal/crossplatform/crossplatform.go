// Package crossplatform composes AgentDiscoveryService, HandshakeProtocol
// and ContextStore behind the session-layer gateway peer agents use to find
// each other, trust each other, and exchange messages.
package crossplatform

import (
	"github.com/aegis-mesh/core/internal/contextstore"
	"github.com/aegis-mesh/core/internal/discovery"
	"github.com/aegis-mesh/core/internal/handshake"
	"github.com/aegis-mesh/core/pkg/apierrors"
	"github.com/aegis-mesh/core/pkg/facade"
	"github.com/aegis-mesh/core/pkg/logger"
)

// Adapter is the CrossPlatformAdapter component.
type Adapter struct {
	Discovery *discovery.Service
	Handshake *handshake.Protocol
	Context   *contextstore.Store

	log *logger.Logger
}

// New composes the three subsystems into an Adapter.
func New(disc *discovery.Service, hs *handshake.Protocol, ctxStore *contextstore.Store, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewDefault("crossplatform")
	}
	return &Adapter{Discovery: disc, Handshake: hs, Context: ctxStore, log: log}
}

// Descriptor advertises the facade's composed capabilities.
func (a *Adapter) Descriptor() facade.Descriptor {
	return facade.Descriptor{
		Name:   "cross-platform-adapter",
		Domain: "session",
	}.WithCapabilities("discovery", "handshake", "conversation-context")
}

// Send delivers a message within sessionID, failing if the session is not
// valid for the sending participant.
func (a *Adapter) Send(sessionID, from, to, content string) (*contextstore.ConversationContext, error) {
	if !a.Handshake.ValidateSession(sessionID, from) {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "session is not valid for the sending participant").
			WithDetails("session_id", sessionID).WithDetails("from", from)
	}
	return a.Context.AddMessage(sessionID, contextstore.Message{FromAgentID: from, ToAgentID: to, Content: content}), nil
}

// Receive returns up to limit of sessionID's most recent messages, failing
// if the session is not valid for the requesting participant.
func (a *Adapter) Receive(sessionID, participant string, limit int) ([]contextstore.Message, error) {
	if !a.Handshake.ValidateSession(sessionID, participant) {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "session is not valid for the requesting participant").
			WithDetails("session_id", sessionID).WithDetails("participant", participant)
	}
	return a.Context.GetMessageHistory(sessionID, limit), nil
}

// Get resolves a discovered agent's registration by id.
func (a *Adapter) Get(agentID string) (discovery.Registration, bool) {
	result := a.Discovery.Query(discovery.Query{})
	for _, reg := range result.Agents {
		if reg.AgentID == agentID {
			return reg, true
		}
	}
	return discovery.Registration{}, false
}
