package btmesh

// Opcode is a parsed access-layer opcode. The wire form is 1, 2 or 3 bytes
// (SPEC_FULL.md §4.F); Opcode always holds the decoded value so model
// delegates never deal with the wire encoding.
type Opcode uint32

// AccessMessage is a decoded access-layer message handed to a model
// delegate, or built by one for sending.
type AccessMessage struct {
	Opcode  Opcode
	Payload []byte
}

// MessageType describes how a registered opcode decodes and whether a
// response opcode is expected, the per-opcode entry a ModelDelegate
// contributes to the dispatch table.
type MessageType struct {
	// Name is a short identifier for logs and diagnostics, e.g.
	// "configAppKeyAdd".
	Name string
	// ResponseOpcode is the opcode this message's response carries, used
	// to correlate an acknowledged send with its reply. Zero if the
	// opcode is unacknowledged or is itself a response.
	ResponseOpcode Opcode
}

// ModelDelegate is implemented by a host for each access-layer model it
// wants this manager to dispatch messages to or originate messages from
// (SPEC_FULL.md §6, "Model delegate interface (consumed)").
type ModelDelegate interface {
	// Opcodes returns the opcode -> MessageType table this model handles,
	// both messages it receives and messages it originates.
	Opcodes() map[Opcode]MessageType

	// IsSubscriptionSupported reports whether this model accepts messages
	// addressed to a group or virtual address, as opposed to unicast only.
	IsSubscriptionSupported() bool

	// OnAcknowledged is invoked for an inbound message whose MessageType
	// has a non-zero ResponseOpcode; the returned AccessMessage is sent
	// back to src as the response. A nil response suppresses the reply.
	OnAcknowledged(request AccessMessage, src, dst Address) *AccessMessage

	// OnUnacknowledged is invoked for an inbound message with no expected
	// response.
	OnUnacknowledged(msg AccessMessage, src, dst Address)

	// OnResponse is invoked when a response to a message this model sent
	// arrives, correlated by the original request.
	OnResponse(response, request AccessMessage, src Address)
}
