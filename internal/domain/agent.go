package domain

// AgentNode is one agent in the hierarchy reported by the backend.
type AgentNode struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Task     string      `json:"task,omitempty"`
	ParentID string      `json:"parent_id,omitempty"`
	Status   string      `json:"status"`
	Children []AgentNode `json:"children,omitempty"`
}

// CountAgents returns the number of nodes in the forest.
func CountAgents(roots []AgentNode) int {
	n := 0
	for _, r := range roots {
		n += 1 + CountAgents(r.Children)
	}
	return n
}

// FindAgent returns the node with the given id, searching depth-first.
func FindAgent(roots []AgentNode, id string) (AgentNode, bool) {
	for _, r := range roots {
		if r.ID == id {
			return r, true
		}
		if n, ok := FindAgent(r.Children, id); ok {
			return n, true
		}
	}
	return AgentNode{}, false
}
