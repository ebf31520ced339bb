package realtime

// Emitter adapts the hub to the rule engine's event interface.
type Emitter struct {
	hub *Hub
}

// NewEmitter wraps a hub for the rule engine.
func NewEmitter(hub *Hub) *Emitter {
	return &Emitter{hub: hub}
}

// RuleFaulted broadcasts a rule violation. Non-blocking: the hub drops the
// event if the broadcast buffer is full.
func (e *Emitter) RuleFaulted(ruleID, ruleName, account string, payload map[string]any) {
	e.hub.BroadcastViolation(ruleID, ruleName, account, payload)
}
