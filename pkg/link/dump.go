package link

// Dump is a read-only snapshot of a link used for persistence and debugging.
type Dump struct {
	ID                int    `json:"id"`
	Description       string `json:"description"`
	SourceNodeID      int    `json:"source_node_id"`
	SourcePortID      int    `json:"source_port_id"`
	DestinationNodeID int    `json:"destination_node_id"`
	DestinationPortID int    `json:"destination_port_id"`
}
