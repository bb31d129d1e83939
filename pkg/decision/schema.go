// Package decision builds the model prompt, runs the two-phase structured
// call, validates the response, and derives the button sequence to execute.
package decision

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/gambit/pkg/game"
)

// screenTypePayload is the phase-one response shape.
type screenTypePayload struct {
	ScreenType       string `json:"screenType" jsonschema:"required,enum=overworld|battle|menu|dialogue|textEntry|transition|unknown"`
	BriefDescription string `json:"briefDescription" jsonschema:"required,description=One sentence describing what is on screen"`
}

// gameStatePayload mirrors game.State for the model; every field is optional
// and defaults apply on merge.
type gameStatePayload struct {
	Area             *string  `json:"area,omitempty" jsonschema:"description=Current area or route name"`
	InBattle         *bool    `json:"inBattle,omitempty"`
	InMenu           *bool    `json:"inMenu,omitempty"`
	InDialogue       *bool    `json:"inDialogue,omitempty"`
	InTextEntry      *bool    `json:"inTextEntry,omitempty"`
	PokemonCount     *int     `json:"pokemonCount,omitempty"`
	Badges           *int     `json:"badges,omitempty"`
	ScreenType       *string  `json:"screenType,omitempty" jsonschema:"enum=overworld|battle|menu|dialogue|textEntry|transition|unknown"`
	EstimatedPartyHP *float64 `json:"estimatedPartyHP,omitempty" jsonschema:"description=Party HP fraction between 0 and 1"`
	PartyLevelSum    *float64 `json:"partyLevelSum,omitempty" jsonschema:"description=Sum of all party Pokemon levels if visible"`
}

// notesPayload is the model-writable notes delta. All fields optional.
type notesPayload struct {
	CurrentObjective   *string  `json:"currentObjective,omitempty"`
	LastKnownLocation  *string  `json:"lastKnownLocation,omitempty"`
	ExitFound          *string  `json:"exitFound,omitempty"`
	StuckMode          *string  `json:"stuckMode,omitempty" jsonschema:"enum=none|perimeter_scan|wall_hug|backtrack"`
	FailedAttempts     []string `json:"failedAttempts,omitempty"`
	ImportantDiscovery *string  `json:"importantDiscovery,omitempty"`
	General            *string  `json:"general,omitempty"`
}

// decisionBody is the phase-two decision object.
type decisionBody struct {
	ScreenAnalysis     string               `json:"screenAnalysis" jsonschema:"required"`
	Reasoning          string               `json:"reasoning" jsonschema:"required"`
	PersonalityComment *string              `json:"personality_comment,omitempty"`
	ButtonSequence     []map[string]float64 `json:"buttonSequence" jsonschema:"required,description=One confidence table per planned step; every table scores all eleven buttons between 0 and 1"`
	ProgressConfidence float64              `json:"progressConfidence" jsonschema:"required,minimum=0,maximum=1"`
	Notes              *notesPayload        `json:"notes,omitempty"`
}

// decisionPayload is the full phase-two response shape.
type decisionPayload struct {
	GameState *gameStatePayload `json:"gameState,omitempty"`
	Decision  decisionBody      `json:"decision" jsonschema:"required"`
}

// generateSchema reflects a Go type into an inline JSON schema map.
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to convert schema to map: %w", err)
	}
	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}

// ScreenTypeSchema returns the phase-one response schema.
func ScreenTypeSchema() map[string]any {
	schema, err := generateSchema[screenTypePayload]()
	if err != nil {
		panic(fmt.Sprintf("screen-type schema reflection failed: %v", err))
	}
	return schema
}

// DecisionSchema returns the phase-two response schema.
func DecisionSchema() map[string]any {
	schema, err := generateSchema[decisionPayload]()
	if err != nil {
		panic(fmt.Sprintf("decision schema reflection failed: %v", err))
	}
	return schema
}

// parseConfidenceTable converts one model-emitted score map to the typed
// table. Unknown button names are dropped; scores clamp into [0, 1].
func parseConfidenceTable(raw map[string]float64) game.ConfidenceTable {
	table := make(game.ConfidenceTable, len(raw))
	for name, score := range raw {
		button, ok := game.ParseButton(name)
		if !ok {
			continue
		}
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		table[button] = score
	}
	return table
}
