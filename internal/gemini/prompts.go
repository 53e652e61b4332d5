package gemini

import _ "embed"

var (
	//go:embed prompts/figures.txt
	figuresPrompt string
	//go:embed prompts/structure.txt
	structurePrompt string
	//go:embed prompts/legal.txt
	legalPrompt string
)
