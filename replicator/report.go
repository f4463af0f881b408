package replicator

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dyadlabs/replica/identity"
)

// EntityRef identifies a successfully replicated entity on both sides.
type EntityRef struct {
	Kind     identity.Kind `json:"kind"`
	SourceID string        `json:"source_id"`
	TargetID string        `json:"target_id"`
	Name     string        `json:"name,omitempty"`
}

// Failure describes a task that was skipped or permanently failed. The stage
// completes regardless; failures never abort sibling tasks.
type Failure struct {
	Kind     identity.Kind `json:"kind"`
	SourceID string        `json:"source_id"`
	Name     string        `json:"name,omitempty"`
	Reason   string        `json:"reason"`
}

// Report is the outcome of one replication stage.
type Report struct {
	Stage       Stage       `json:"stage"`
	OperationID string      `json:"operation_id"`
	Succeeded   []EntityRef `json:"succeeded"`
	Failed      []Failure   `json:"failed"`
}

// reportBuilder collects task outcomes from concurrently running tasks.
type reportBuilder struct {
	mu     sync.Mutex
	report Report
}

func newReportBuilder(stage Stage) *reportBuilder {
	return &reportBuilder{report: Report{
		Stage:       stage,
		OperationID: uuid.New().String(),
		Succeeded:   []EntityRef{},
		Failed:      []Failure{},
	}}
}

func (b *reportBuilder) success(kind identity.Kind, sourceID, targetID, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Succeeded = append(b.report.Succeeded, EntityRef{Kind: kind, SourceID: sourceID, TargetID: targetID, Name: name})
}

func (b *reportBuilder) failure(kind identity.Kind, sourceID, name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Failed = append(b.report.Failed, Failure{Kind: kind, SourceID: sourceID, Name: name, Reason: err.Error()})
}

func (b *reportBuilder) build() Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.report
}
