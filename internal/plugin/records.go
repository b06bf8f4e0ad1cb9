package plugin

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/repository"
)

// Record indexes.
const (
	ExaminationIndex = "examination"
	DissectionIndex  = "dissection"
)

// Examination is the outcome of running one examiner on one container.
type Examination struct {
	ID          uuid.UUID
	ContainerID uuid.UUID
	Examiner    string
	Passed      bool
	Summary     string
	Details     map[string]any
}

// NewExamination returns an examination record for c.
func NewExamination(examiner string, c *container.Container, passed bool, summary string, details map[string]any) *Examination {
	return &Examination{
		ID:          uuid.New(),
		ContainerID: c.ID(),
		Examiner:    examiner,
		Passed:      passed,
		Summary:     summary,
		Details:     details,
	}
}

// Record implements repository.Object. Details are stored as a JSON document.
func (e *Examination) Record() repository.Record {
	details := "{}"
	if len(e.Details) > 0 {
		if b, err := json.Marshal(e.Details); err == nil {
			details = string(b)
		}
	}
	return repository.Record{
		Index:   ExaminationIndex,
		Primary: "uuid",
		Fields: []repository.Field{
			{Name: "uuid", Type: repository.TypeString},
			{Name: "container", Type: repository.TypeString},
			{Name: "examiner", Type: repository.TypeString},
			{Name: "passed", Type: repository.TypeBool},
			{Name: "summary", Type: repository.TypeString},
			{Name: "details", Type: repository.TypeString},
		},
		Source: map[string]any{
			"uuid":      e.ID.String(),
			"container": e.ContainerID.String(),
			"examiner":  e.Examiner,
			"passed":    e.Passed,
			"summary":   e.Summary,
			"details":   details,
		},
	}
}

// Dissection links a container to the one it was extracted from.
type Dissection struct {
	ID           uuid.UUID
	ParentID     uuid.UUID
	ContainerID  uuid.UUID
	Dissector    string
	OriginalPath string
}

// NewDissection records that dissector produced c.
func NewDissection(dissector string, c *container.Container) *Dissection {
	return &Dissection{
		ID:           uuid.New(),
		ParentID:     c.Parent(),
		ContainerID:  c.ID(),
		Dissector:    dissector,
		OriginalPath: c.OriginalPath,
	}
}

// Record implements repository.Object.
func (d *Dissection) Record() repository.Record {
	return repository.Record{
		Index:   DissectionIndex,
		Primary: "uuid",
		Fields: []repository.Field{
			{Name: "uuid", Type: repository.TypeString},
			{Name: "parent", Type: repository.TypeString},
			{Name: "container", Type: repository.TypeString},
			{Name: "dissector", Type: repository.TypeString},
			{Name: "original_path", Type: repository.TypeString},
		},
		Source: map[string]any{
			"uuid":          d.ID.String(),
			"parent":        d.ParentID.String(),
			"container":     d.ContainerID.String(),
			"dissector":     d.Dissector,
			"original_path": d.OriginalPath,
		},
	}
}
