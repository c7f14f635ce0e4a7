package config

// #region dialogue-acts
var dialogueActLabels = []string{"g", "q", "ans", "o", "s", "ap", "c", "ag", "dag", "a", "b", "oth"}

var dialogueActDescriptions = map[string]string{
	"g":   "Greeting",
	"q":   "Question",
	"ans": "Answer",
	"o":   "Statement Opinion",
	"s":   "Statement Non Opinion",
	"ap":  "Apology",
	"c":   "Command",
	"ag":  "Agreement",
	"dag": "Disagreement",
	"a":   "Acknowledge",
	"b":   "Backchannel",
	"oth": "Others",
}

// #endregion dialogue-acts

// #region dataset-table
var datasets = map[Dataset]DatasetSpec{
	DatasetMIntRec: {
		TextColumn:  3,
		LabelColumn: 4,
		Labels: []string{
			"Complain", "Praise", "Apologise", "Thank", "Criticize",
			"Agree", "Taunt", "Flaunt", "Joke", "Oppose",
			"Comfort", "Care", "Inform", "Advise", "Arrange",
			"Introduce", "Leave", "Prevent", "Greet", "Ask for help",
		},
		OODLabel:           "UNK",
		LabelIsDescription: true,
	},
	DatasetMIntRec2: {
		TextColumn:  2,
		LabelColumn: NoColumn,
		Labels: []string{
			"Acknowledge", "Advise", "Agree", "Apologise", "Arrange",
			"Ask for help", "Asking for opinions", "Care", "Comfort", "Complain",
			"Confirm", "Criticize", "Doubt", "Emphasize", "Explain",
			"Flaunt", "Greet", "Inform", "Introduce", "Invite",
			"Joke", "Leave", "Oppose", "Plan", "Praise",
			"Prevent", "Refuse", "Taunt", "Thank", "Warn",
		},
		OODLabel: "UNK",
	},
	DatasetMELDDA: {
		TextColumn:   2,
		LabelColumn:  3,
		Labels:       dialogueActLabels,
		OODLabel:     "oth",
		Descriptions: dialogueActDescriptions,
	},
	DatasetIEMOCAPDA: {
		TextColumn:   1,
		LabelColumn:  2,
		Labels:       dialogueActLabels,
		OODLabel:     "oth",
		Descriptions: dialogueActDescriptions,
	},
}

// Spec resolves the static table for a dataset identifier.
func (d Dataset) Spec() (DatasetSpec, error) {
	spec, ok := datasets[d]
	if !ok {
		return DatasetSpec{}, errUnsupportedDataset(d)
	}
	return spec, nil
}

// #endregion dataset-table
