package orchestrator

import (
	"fmt"
	"strings"

	"github.com/Delta-Labs-AG/rlm/internal/provider/models"
)

const systemPromptTemplate = `You solve the task by writing Python code in fenced blocks tagged %[1]s:

` + "```%[1]s" + `
answer = llm_query("What is the capital of France?")
print(answer)
` + "```" + `

Blocks run one after another in the same interpreter, so variables and files from earlier blocks are still there. Printed output is shown back to you.
Inside code you can call:
- llm_query(prompt, tools=None, tool_handler=None) -> str: ask a language model one prompt (a string or a list of {"role", "content"} messages).
- llm_query_batched(prompts, tools=None, tool_handler=None) -> list[str]: ask several prompts at once; answers come back in order.
Pass tool definitions with tool_handler(name, arguments) to let the model call your own Python functions.
%[2]s
When you are done, reply with FINAL(your answer) on its own line. An answer is only accepted after you have run code.`

// SystemPrompt returns the default system message for langs and tools.
func SystemPrompt(langs []string, tools []models.ToolDefinition) string {
	tag := "repl"
	if len(langs) > 0 {
		tag = langs[0]
	}
	var toolText string
	if len(tools) > 0 {
		var b strings.Builder
		b.WriteString("Pass tools=True (or a list of names) to let the model call these tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
		toolText = b.String()
	}
	return fmt.Sprintf(systemPromptTemplate, tag, toolText)
}

const (
	noCodeYetMessage = "You have not run any code yet, so the answer cannot be accepted. Inspect the task with code first, then give FINAL(answer)."
	continueMessage  = "No code block found. Continue by writing code, or give FINAL(answer) once your code has produced it."
	toolCallsMessage = "Tools can only be called from code through llm_query(..., tools=...). Write code instead."
)

func feedbackMessage(results []CodeResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Code block %d output:\n```\n%s\n```", i+1, r.Result.Output())
	}
	return b.String()
}
