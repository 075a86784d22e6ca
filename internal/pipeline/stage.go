package pipeline

// Stage identifies one step of the response pipeline. Stages always
// run in declaration order during a full sweep, and each one is also
// independently invocable from the CLI.
type Stage int

const (
	StageInit Stage = iota
	StageDetect
	StageAnalyze
	StageContainDeploy
	StageDefend
	StageVerify
	StageContainRemove
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageDetect:
		return "detect"
	case StageAnalyze:
		return "analyze"
	case StageContainDeploy:
		return "contain_deploy"
	case StageDefend:
		return "defend"
	case StageVerify:
		return "verify"
	case StageContainRemove:
		return "contain_remove"
	default:
		return "unknown"
	}
}
