// Package gateway wraps the Flink SQL Gateway's HTTP session API: session
// create/close, statement submit, operation poll, and paginated result
// fetch.
package gateway

import "time"

// OperationStatus mirrors the lifecycle observed by the client when
// polling a submitted statement.
type OperationStatus string

const (
	StatusPending   OperationStatus = "PENDING"
	StatusRunning   OperationStatus = "RUNNING"
	StatusFinished  OperationStatus = "FINISHED"
	StatusError     OperationStatus = "ERROR"
	StatusCanceled  OperationStatus = "CANCELED"
	StatusUnknown   OperationStatus = "UNKNOWN"
)

// ResultType mirrors the Flink SQL Gateway's resultType enum.
type ResultType string

const (
	ResultPayload  ResultType = "PAYLOAD"
	ResultEOS      ResultType = "EOS"
	ResultNotReady ResultType = "NOT_READY"
)

// ChangeKind tags a row as an insertion, retraction, or update half.
type ChangeKind string

const (
	ChangeInsert        ChangeKind = "INSERT"
	ChangeUpdateBefore  ChangeKind = "UPDATE_BEFORE"
	ChangeUpdateAfter   ChangeKind = "UPDATE_AFTER"
	ChangeDelete        ChangeKind = "DELETE"
)

// Session is the transient handle returned by CreateSession. It is held
// only for the duration of one orchestrator operation.
type Session struct {
	Handle     string
	URL        string
	Properties map[string]string
}

// Operation is the transient per-statement handle returned by Submit.
type Operation struct {
	Handle    string
	Status    OperationStatus
	StartedAt time.Time
}

// Column describes one projected column of a result set.
type Column struct {
	Name        string `json:"name"`
	LogicalType string `json:"logicalType"`
}

// Row is one record of a ResultPage, tagged with its change-kind.
type Row struct {
	Kind   ChangeKind    `json:"kind"`
	Fields []interface{} `json:"fields"`
}

// ResultPage is one HTTP fetch's worth of a statement's result set.
type ResultPage struct {
	Columns    []Column
	Rows       []Row
	ResultType ResultType
	NextURI    string // empty when there is no further page
	JobID      string // non-empty when the statement submitted a streaming job
}

// OnErrorPolicy controls whether ExecuteMany continues past a failed
// statement or stops the batch.
type OnErrorPolicy int

const (
	OnErrorStop OnErrorPolicy = iota
	OnErrorContinue
)

// StatementResult is the outcome of running one statement of a batch
// through ExecuteMany.
type StatementResult struct {
	Statement string
	Success   bool
	JobID     string // non-empty when this statement started a streaming job
	Pages     []ResultPage
	Err       error
}

// wire types for JSON (un)marshaling against the gateway HTTP surface.

type sessionCreateResponse struct {
	SessionHandle string `json:"sessionHandle"`
}

type statementSubmitResponse struct {
	OperationHandle string `json:"operationHandle"`
}

type operationStatusResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

type resultResponse struct {
	Results struct {
		Columns []Column  `json:"columns"`
		Data    []wireRow `json:"data"`
	} `json:"results"`
	ResultType    string `json:"resultType"`
	IsQueryResult bool   `json:"isQueryResult"`
	ResultKind    string `json:"resultKind"`
	JobID         string `json:"jobID"`
	NextResultURI string `json:"nextResultUri"`
}

type wireRow struct {
	Kind   string        `json:"kind"`
	Fields []interface{} `json:"fields"`
}
