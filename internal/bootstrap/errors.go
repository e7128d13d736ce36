package bootstrap

import "fmt"

// Stage codes, one per startup step (§4.J). Used as FatalError.Code so an
// operator staring at an exit status can tell which step failed without
// reading logs.
const (
	StageResolveIdentity = iota + 1
	StageCreateReactor
	StageInstallSignals
	StageReadConfig
	StageSetupLogging
	StageRaiseScheduler
	StageReadSecretKey
	StageInitTransport
	StageDropPrivileges
	StageBuildDispatch
	StageInitMemoryPool
	StageReadAMFConfig
	StageExecInitServices
	StageBindAcceptor
	StageRunReactor
)

var stageNames = map[int]string{
	StageResolveIdentity:  "resolve_identity",
	StageCreateReactor:    "create_reactor",
	StageInstallSignals:   "install_signals",
	StageReadConfig:       "read_config",
	StageSetupLogging:     "setup_logging",
	StageRaiseScheduler:   "raise_scheduler",
	StageReadSecretKey:    "read_secret_key",
	StageInitTransport:    "init_transport",
	StageDropPrivileges:   "drop_privileges",
	StageBuildDispatch:    "build_dispatch",
	StageInitMemoryPool:   "init_memory_pool",
	StageReadAMFConfig:    "read_amf_config",
	StageExecInitServices: "exec_init_services",
	StageBindAcceptor:     "bind_acceptor",
	StageRunReactor:       "run_reactor",
}

// FatalError is returned by Bootstrap when one of the ordered startup steps
// fails, and by Run when the reactor itself fails (§4.J, SPEC_FULL.md §7). cmd maps Code directly to the process
// exit status, so a step's code never changes once shipped.
type FatalError struct {
	Code  int
	Stage string
	Err   error
}

func fatal(stage int, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Code: stage, Stage: stageNames[stage], Err: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("bootstrap: stage %q (code %d): %v", e.Stage, e.Code, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
