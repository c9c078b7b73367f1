package domain

// Prompt is everything the AI responder needs to answer one customer message.
type Prompt struct {
	// CompanyName frames the assistant persona.
	CompanyName string

	// Context is the rendered knowledge-base grounding; empty is valid.
	Context string

	// History is the bounded window of recent messages, oldest first.
	History []*Message

	// CustomerMessage is the message being answered.
	CustomerMessage string
}

// Reply is the validated result of a responder call.
type Reply struct {
	Response      string  `json:"response"`
	Confidence    float64 `json:"confidence"`
	ShouldHandoff bool    `json:"should_handoff"`
}
