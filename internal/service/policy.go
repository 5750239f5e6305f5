package service

import (
	"context"
	"fmt"

	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
)

// Policy supplies the business decisions the orchestrator cannot make on its
// own: whether to take a job, what to deliver and whether a delivery is good.
type Policy interface {
	Respond(ctx context.Context, job *models.Job) (accept bool, reason string, err error)
	Deliver(ctx context.Context, job *models.Job) (models.DeliverablePayload, error)
	Evaluate(ctx context.Context, job *models.Job) (accept bool, reason string, err error)
}

// StaticPolicy accepts (or rejects) everything and delivers a fixed URL.
type StaticPolicy struct {
	AutoAccept     bool
	DeliverableURL string
}

func (p StaticPolicy) Respond(ctx context.Context, job *models.Job) (bool, string, error) {
	if !p.AutoAccept {
		return false, "provider is not accepting jobs", nil
	}
	name := job.ServiceName()
	if name == "" {
		return true, fmt.Sprintf("Job %d accepted.", job.ID), nil
	}
	return true, fmt.Sprintf("Job %d accepted for %s.", job.ID, name), nil
}

func (p StaticPolicy) Deliver(ctx context.Context, job *models.Job) (models.DeliverablePayload, error) {
	if p.DeliverableURL == "" {
		return models.DeliverablePayload{}, fmt.Errorf("no deliverable configured for job %d", job.ID)
	}
	return models.NewDeliverable("url", p.DeliverableURL)
}

func (p StaticPolicy) Evaluate(ctx context.Context, job *models.Job) (bool, string, error) {
	if _, ok := job.Deliverable(); !ok {
		return false, "no deliverable found", nil
	}
	if !p.AutoAccept {
		return false, "deliverable rejected", nil
	}
	return true, "deliverable accepted", nil
}
