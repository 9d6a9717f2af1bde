package rpc

import "github.com/agentforge/orchestrator/wire/model"

// DispatchJobRequest carries the required dispatch fields from spec §6
// plus the full Run record the worker needs to execute it.
type DispatchJobRequest struct {
	RunId        string
	RepositoryId string
	TaskId       string
	HarnessType  string
	ImageTag     string
	CloneUrl     string
	Instruction  string

	Run model.Run
}

// DispatchJobReply mirrors spec §6's reply fields exactly.
type DispatchJobReply struct {
	Success      bool
	ErrorMessage string
	DispatchedAt int64 // ms since epoch
}

type StopJobRequest struct {
	RunId string
}

type StopJobReply struct {
	Success      bool
	ErrorMessage string
}

type CheckHealthRequest struct{}

type CheckHealthReply struct {
	ActiveSlots int
	MaxSlots    int
	CheckedAt   int64 // ms since epoch, server time at evaluation
	CpuPercent  float64
	MemPercent  float64
	DiskPercent float64
}

type StartCommandRequest struct {
	RunId          string
	TaskId         string
	ExecutionToken string
	Command        string
	Args           []string
	WorkingDir     string
	Env            map[string]string
	TimeoutSeconds int
	MaxOutputBytes int64
}

type StartCommandReply struct {
	CommandId    string
	Success      bool
	ErrorMessage string
}

type CancelCommandRequest struct {
	CommandId string
}

type CancelCommandReply struct {
	Success      bool
	ErrorMessage string
}

type GetCommandStatusRequest struct {
	CommandId string
}

type GetCommandStatusReply struct {
	Found bool
	State model.CommandState
}

type ListRuntimeFilesRequest struct {
	RepositoryId  string
	TaskId        string
	RelativePath  string
	IncludeHidden bool
}

type ListRuntimeFilesReply struct {
	Success      bool
	ErrorMessage string
	Entries      []model.FileEntry
}

type CreateRuntimeFileRequest struct {
	RepositoryId string
	TaskId       string
	RelativePath string
	Content      []byte
	Overwrite    bool
}

type CreateRuntimeFileReply struct {
	Success      bool
	Reason       string
	ErrorMessage string
}

type ReadRuntimeFileRequest struct {
	RepositoryId string
	TaskId       string
	RelativePath string
	MaxBytes     int64 // 0 = use configured hard cap only
}

type ReadRuntimeFileReply struct {
	Success       bool
	ErrorMessage  string
	Content       []byte
	Truncated     bool
	ContentLength int64 // real size of the untruncated file
}

type DeleteRuntimeFileRequest struct {
	RepositoryId string
	TaskId       string
	RelativePath string
	Recursive    bool
}

type DeleteRuntimeFileReply struct {
	Success bool
	Deleted bool
	Reason  string
}

// SubscribeRequest opens the event hub stream. An empty RunIds subscribes
// to every run on the worker.
type SubscribeRequest struct {
	RunIds []string
}

// JobEventFrame wraps one model.JobEvent for the SubscribeEvents stream.
type JobEventFrame struct {
	Event model.JobEvent
}

// ListRuntimeContainersRequest supports lifecycle reconciliation (spec
// §4.10): the control plane asks the worker which containers it currently
// believes are running, labeled with orchestrator.run-id.
type ListRuntimeContainersRequest struct{}

type RuntimeContainer struct {
	ContainerId string
	RunId       string
	TaskId      string
	RepoId      string
}

type ListRuntimeContainersReply struct {
	Containers []RuntimeContainer
}
