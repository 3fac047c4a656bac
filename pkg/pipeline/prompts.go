package pipeline

import (
	"github.com/tmc/langchaingo/prompts"
)

const extractionTemplate = `
Extract the following from the query:
- Age
- Gender
- Procedure
- Location
- Policy Duration

Query: {{.input}}
Context: {{.context}}
`

const decisionTemplate = `
You are a policy decision assistant.

Using these extracted details:
{{.parsed}}

And the policy clauses below:
{{.context}}

Respond in 2–3 sentences explaining whether the procedure is covered.
Avoid JSON formatting or labels. Just write a plain, readable explanation.
`

var (
	extractionPrompt = prompts.NewPromptTemplate(extractionTemplate, []string{"input", "context"})
	decisionPrompt   = prompts.NewPromptTemplate(decisionTemplate, []string{"parsed", "context"})
)
