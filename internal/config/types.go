package config

// #region dataset
// Dataset identifies a benchmark and selects its static column and label tables.
type Dataset string

const (
	DatasetMIntRec   Dataset = "MIntRec"
	DatasetMIntRec2  Dataset = "MIntRec2.0"
	DatasetMELDDA    Dataset = "MELD-DA"
	DatasetIEMOCAPDA Dataset = "IEMOCAP-DA"
)

// NoColumn marks a dataset without a label column.
const NoColumn = -1

// DatasetSpec is the static description of a dataset's TSV layout and labels.
type DatasetSpec struct {
	TextColumn  int
	LabelColumn int // NoColumn if the TSV carries no label
	Labels      []string
	OODLabel    string

	// Descriptions maps a raw label to the natural-language text used by
	// conditional encoding. When LabelIsDescription is set the raw label is
	// used verbatim instead.
	Descriptions       map[string]string
	LabelIsDescription bool
}

// HasLabelColumn reports whether labels can be extracted from the TSV.
func (s DatasetSpec) HasLabelColumn() bool {
	return s.LabelColumn != NoColumn
}

// LabelIndex maps each IND label to its class id.
func (s DatasetSpec) LabelIndex() map[string]int {
	idx := make(map[string]int, len(s.Labels))
	for i, l := range s.Labels {
		idx[l] = i
	}
	return idx
}

// #endregion dataset

// #region method
// Method selects the model family and with it the per-step protocol.
type Method string

const (
	MethodMAGBERT Method = "mag_bert"
	MethodMulT    Method = "mult"
)

// Encoding selects standard or prompt-conditioned text encoding.
type Encoding string

const (
	EncodingStandard    Encoding = "standard"
	EncodingConditional Encoding = "conditional"
)

// #endregion method

// #region ood
// TestMode selects how OOD samples are scored at test time.
type TestMode string

const (
	TestModeOpenSet   TestMode = "ood_cls"
	TestModeDetection TestMode = "ood_det"
)

// OODMethod names an external OOD detection method.
type OODMethod string

const (
	OODMSP      OODMethod = "msp"
	OODMaxLogit OODMethod = "maxlogit"
	OODEnergy   OODMethod = "energy"
	OODResidual OODMethod = "residual"
	OODMa       OODMethod = "ma"
	OODViM      OODMethod = "vim"
)

// NeedsFeatureSpace reports whether the method scores in feature space and
// therefore needs train features and the model's linear probe.
func (m OODMethod) NeedsFeatureSpace() bool {
	switch m {
	case OODResidual, OODMa, OODViM:
		return true
	}
	return false
}

// #endregion ood

// #region backend
// BackendKind selects where the network runs.
type BackendKind string

const (
	BackendLocal  BackendKind = "local"
	BackendRemote BackendKind = "remote"
)

// #endregion backend
