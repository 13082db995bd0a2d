package reasoning

import (
	"github.com/google/uuid"

	"github.com/easeaico/family-agent/internal/tools"
)

// Propose turns the chain's suggested tools into calls. Inputs come from
// rc.ToolInputs; a tool without one gets {"request": message}.
func Propose(chain Chain, message string, rc RequestContext) []tools.Call {
	calls := make([]tools.Call, 0, len(chain.SuggestedTools))
	for _, t := range chain.SuggestedTools {
		input, ok := rc.ToolInputs[t.Name]
		if !ok {
			input = map[string]any{"request": message}
		}
		calls = append(calls, tools.NewCall(uuid.NewString(), t.Name, input))
	}
	return calls
}
