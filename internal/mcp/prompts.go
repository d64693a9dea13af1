package mcp

import "fmt"

func researchBriefPrompt() *Prompt {
	return &Prompt{
		Name:        "research_brief",
		Title:       "Research brief",
		Description: "Guide a research session over the corpus on a given topic.",
		Arguments: []PromptArgument{
			{Name: "topic", Description: "Topic to research.", Required: true},
			{Name: "focus", Description: "Optional angle or constraint to emphasize."},
		},
		Render: renderResearchBrief,
	}
}

func renderResearchBrief(args map[string]string) ([]PromptMessage, error) {
	topic := args["topic"]
	if topic == "" {
		return nil, fmt.Errorf("topic must not be empty")
	}

	text := fmt.Sprintf(
		"Research the topic %q using the corpus tools. "+
			"Start with the search tool to find relevant documents across the books, news and forum sources, "+
			"then use read_document on the most promising ids. "+
			"Produce a brief with: key findings, supporting documents (cite ids), and open questions.",
		topic,
	)
	if focus := args["focus"]; focus != "" {
		text += fmt.Sprintf(" Pay particular attention to: %s.", focus)
	}

	return []PromptMessage{
		{Role: "user", Content: TextContent(text)},
	}, nil
}

func summarizeDocumentPrompt() *Prompt {
	return &Prompt{
		Name:        "summarize_document",
		Title:       "Summarize document",
		Description: "Summarize one corpus document by id.",
		Arguments: []PromptArgument{
			{Name: "id", Description: "Document id to summarize.", Required: true},
			{Name: "length", Description: "Target length: short, medium or long. Default short."},
		},
		Render: renderSummarizeDocument,
	}
}

func renderSummarizeDocument(args map[string]string) ([]PromptMessage, error) {
	id := args["id"]
	if id == "" {
		return nil, fmt.Errorf("id must not be empty")
	}

	length := args["length"]
	switch length {
	case "", "short":
		length = "a short paragraph"
	case "medium":
		length = "three to five paragraphs"
	case "long":
		length = "a detailed, sectioned summary"
	default:
		return nil, fmt.Errorf("length must be short, medium or long")
	}

	text := fmt.Sprintf(
		"Fetch the document with id %q using the read_document tool and summarize it in %s. "+
			"Preserve the document's key claims and note its source kind.",
		id, length,
	)

	return []PromptMessage{
		{Role: "user", Content: TextContent(text)},
	}, nil
}
