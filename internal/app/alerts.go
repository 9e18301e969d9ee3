package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"metricwatch/internal/service"
	"metricwatch/internal/storage"
)

// ListAlerts prints unresolved alerts, newest first.
func (a *App) ListAlerts(ctx context.Context, opts AlertsOptions) error {
	return a.withService(ctx, func(svc *service.Service, _ storage.Backend) error {
		list, err := svc.ListOpenAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return a.printAlerts(list)
	})
}

// AcknowledgeAlert marks alert id as seen by actor.
func (a *App) AcknowledgeAlert(ctx context.Context, id, actor string) error {
	return a.withService(ctx, func(svc *service.Service, _ storage.Backend) error {
		ok, err := svc.AcknowledgeAlert(ctx, id, actor)
		return a.reportTransition(id, "acknowledged", ok, err)
	})
}

// ResolveAlert closes alert id on behalf of actor.
func (a *App) ResolveAlert(ctx context.Context, id, actor string) error {
	return a.withService(ctx, func(svc *service.Service, _ storage.Backend) error {
		ok, err := svc.ResolveAlert(ctx, id, actor)
		return a.reportTransition(id, "resolved", ok, err)
	})
}

func (a *App) reportTransition(id, state string, ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	fmt.Fprintf(a.Out, "alert %s %s\n", id, state)
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

var errNoActor = errors.New("--actor is required")

// RequireActor rejects lifecycle commands issued without an actor.
func RequireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return errNoActor
	}
	return nil
}
