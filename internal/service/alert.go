package service

import (
	"fmt"
	"strings"

	"github.com/atm_fieldops/backend/internal/models"
)

// DispatchRequestFromAlert is the only shape the dispatcher needs from monitoring.
func DispatchRequestFromAlert(a models.Alert) (models.DispatchRequest, error) {
	machineID := strings.TrimSpace(a.MachineID)
	if machineID == "" {
		return models.DispatchRequest{}, fmt.Errorf("%w: alert has no machine id", models.ErrValidation)
	}
	category := a.Category
	if category == "" {
		category = models.CategoryOther
	}
	severity := a.Severity
	if severity == "" {
		severity = models.SeverityMedium
	}
	if !category.Valid() || !severity.Valid() {
		return models.DispatchRequest{}, fmt.Errorf("%w: invalid category or severity", models.ErrValidation)
	}
	return models.DispatchRequest{
		MachineID:   machineID,
		Origin:      models.OriginSystem,
		Category:    category,
		Severity:    severity,
		Description: strings.TrimSpace(a.Message),
	}, nil
}
