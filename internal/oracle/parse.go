package oracle

import (
	"strings"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/llmutil"
)

type proposalEnvelope struct {
	Scenarios []schemas.ScenarioProposal `json:"scenarios"`
}

// ParseProposals decodes model output into proposals. Both a bare array and an
// object with a "scenarios" field are accepted.
func ParseProposals(text string) ([]schemas.ScenarioProposal, error) {
	raw := llmutil.ExtractJSON(text)
	if strings.HasPrefix(raw, "{") {
		env, err := llmutil.ParseJSONResponse[proposalEnvelope](raw)
		if err != nil {
			return nil, err
		}
		return env.Scenarios, nil
	}
	list, err := llmutil.ParseJSONResponse[[]schemas.ScenarioProposal](raw)
	if err != nil {
		return nil, err
	}
	return *list, nil
}
