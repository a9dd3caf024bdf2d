package media

// Stage names the step of the staged upload protocol an error belongs to.
type Stage string

const (
	StageStaging    Stage = "staging"
	StageTransfer   Stage = "transfer"
	StageRegister   Stage = "register"
	StageProcessing Stage = "processing"
	StagePolling    Stage = "polling"
)

func (s Stage) sentinel() error {
	switch s {
	case StageStaging:
		return ErrStagedUpload
	case StageTransfer:
		return ErrTransfer
	case StageRegister:
		return ErrRegister
	case StageProcessing:
		return ErrProcessingFailed
	default:
		return ErrPollTimeout
	}
}

type progress int

const (
	progressIdle progress = iota
	progressStaged
	progressTransferred
	progressRegistered
	progressReady
)

func (p progress) String() string {
	switch p {
	case progressStaged:
		return "staged"
	case progressTransferred:
		return "transferred"
	case progressRegistered:
		return "registered"
	case progressReady:
		return "ready"
	default:
		return "idle"
	}
}

// upload tracks one pass through the protocol: staged -> transferred -> registered -> ready.
type upload struct {
	state  progress
	target *StagedTarget
	fileID string
}

func (u *upload) staged(t *StagedTarget) {
	u.target = t
	u.state = progressStaged
}

func (u *upload) transferred() {
	u.state = progressTransferred
}

func (u *upload) registered(fileID string) {
	u.fileID = fileID
	u.state = progressRegistered
}

func (u *upload) ready() {
	u.state = progressReady
}

// restart discards the staged target so the next pass begins with a fresh one.
func (u *upload) restart() {
	*u = upload{}
}
