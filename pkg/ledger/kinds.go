package ledger

// Kind categorizes an entry into one of the logical ledgers. The set is
// closed: each kind maps to exactly one append-only file pair (primary and
// audit mirror), and readers dispatch over Kind exhaustively rather than by
// open-ended string lookup.
type Kind string

const (
	KindRelocation      Kind = "relocation"
	KindDocumentation   Kind = "documentation"
	KindStageReceipt    Kind = "stage_receipt"
	KindTaskDispatch    Kind = "task_dispatch"
	KindAutoFixAction   Kind = "auto_fix_action"
	KindBudgetDecision  Kind = "budget_decision"
	KindSecurityScan    Kind = "security_scan"
	KindInferenceMetric Kind = "inference_metric"
	KindPipelineEvent   Kind = "pipeline_event"
)

// AllKinds lists every ledger kind. Iteration order is stable.
var AllKinds = []Kind{
	KindRelocation,
	KindDocumentation,
	KindStageReceipt,
	KindTaskDispatch,
	KindAutoFixAction,
	KindBudgetDecision,
	KindSecurityScan,
	KindInferenceMetric,
	KindPipelineEvent,
}

// fileNames maps each kind to its on-disk ledger file. The budget kind keeps
// its historical file name.
var fileNames = map[Kind]string{
	KindRelocation:      "relocation.log",
	KindDocumentation:   "documentation.log",
	KindStageReceipt:    "stage_receipts.log",
	KindTaskDispatch:    "task_dispatches.log",
	KindAutoFixAction:   "auto_fix_actions.log",
	KindBudgetDecision:  "budget_guardian.log",
	KindSecurityScan:    "security_scans.log",
	KindInferenceMetric: "inference_metrics.log",
	KindPipelineEvent:   "pipeline_events.log",
}

// Valid reports whether k is a recognized ledger kind.
func (k Kind) Valid() bool {
	_, ok := fileNames[k]
	return ok
}

// FileName returns the ledger file name for k, e.g. "stage_receipts.log".
// Panics on an unrecognized kind; callers must validate first.
func (k Kind) FileName() string {
	name, ok := fileNames[k]
	if !ok {
		panic("ledger: unrecognized kind " + string(k))
	}
	return name
}

func (k Kind) String() string {
	return string(k)
}
